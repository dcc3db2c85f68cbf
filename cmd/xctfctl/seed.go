package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/database"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// challengeDescriptor mirrors one entry of the seed YAML file: the
// per-challenge metadata spec.md §3 expects a descriptor path to populate.
type challengeDescriptor struct {
	Name          string `yaml:"name"`
	Category      string `yaml:"category"`
	Points        int    `yaml:"points"`
	Flag          string `yaml:"flag"`
	Image         string `yaml:"image"`
	Static        bool   `yaml:"static"`
	Ports         []int  `yaml:"ports"`
	MemoryLimitMB int    `yaml:"memory_limit_mb"`
	CPUQuota      int64  `yaml:"cpu_quota"`
	Active        *bool  `yaml:"active"`
}

type seedFile struct {
	Challenges []challengeDescriptor `yaml:"challenges"`
}

func runSeed(cfg *config.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s := store.New(db.DB)
	ctx := context.Background()

	for _, d := range sf.Challenges {
		if d.Name == "" || d.Flag == "" || d.Image == "" {
			return fmt.Errorf("challenge descriptor missing name, flag, or image: %+v", d)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(d.Flag), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash flag for %q: %w", d.Name, err)
		}

		portsJSON, err := json.Marshal(d.Ports)
		if err != nil {
			return fmt.Errorf("encode ports for %q: %w", d.Name, err)
		}

		active := true
		if d.Active != nil {
			active = *d.Active
		}

		challenge := &model.Challenge{
			Name:          d.Name,
			Category:      d.Category,
			Points:        d.Points,
			FlagHash:      string(hash),
			Image:         d.Image,
			Static:        d.Static,
			Active:        active,
			Ports:         string(portsJSON),
			MemoryLimitMB: d.MemoryLimitMB,
			CPUQuota:      d.CPUQuota,
		}
		if err := s.UpsertChallengeByName(ctx, challenge); err != nil {
			return fmt.Errorf("upsert %q: %w", d.Name, err)
		}
		fmt.Printf("seeded challenge %q (%s)\n", d.Name, challenge.ID)
	}

	return nil
}
