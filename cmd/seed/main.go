// seed prepares a development beamline: it stores the default admission policy and, with
// -accounts, writes a LIMS accounts file with sample logins.
// Idempotent: an existing policy for the beamline or an existing accounts file is kept.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"beamline-control-plane/backend/internal/config"
	"beamline-control-plane/backend/internal/db"
	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/policy/domain"
	"beamline-control-plane/backend/internal/policy/engine"
	policyrepo "beamline-control-plane/backend/internal/policy/repository"
	"beamline-control-plane/backend/internal/security"
)

const devPassword = "password123"

func main() {
	accountsPath := flag.String("accounts", "", "write sample LIMS accounts to this YAML file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *accountsPath != "" {
		if err := writeAccounts(*accountsPath, security.NewHasher(cfg.BcryptCost)); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL is not set; skipping policy seed")
		return
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := policyrepo.NewPostgresRepository(conn)
	existing, err := repo.ListByBeamline(ctx, cfg.BeamlineID)
	if err != nil {
		log.Fatalf("seed: list policies: %v", err)
	}
	if len(existing) > 0 {
		log.Printf("seed: beamline %s already has %d policies; skipping", cfg.BeamlineID, len(existing))
		return
	}
	p := &domain.Policy{
		ID:        uuid.NewString(),
		Beamline:  cfg.BeamlineID,
		Rules:     engine.DefaultRegoPolicy,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, p); err != nil {
		log.Fatalf("seed: create policy: %v", err)
	}
	log.Printf("seed: default admission policy %s created for beamline %s", p.ID, cfg.BeamlineID)
}

// writeAccounts creates a sample accounts file unless path already exists.
func writeAccounts(path string, hasher *security.Hasher) error {
	if _, err := os.Stat(path); err == nil {
		log.Printf("seed: %s exists; keeping it", path)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	hash, err := hasher.Hash([]byte(devPassword))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	doc := struct {
		Accounts []lims.Account `yaml:"accounts"`
	}{Accounts: []lims.Account{
		{
			Login:        "mx415",
			PasswordHash: hash,
			Person:       lims.Person{FamilyName: "Franklin", GivenName: "Rosalind"},
			Proposals:    []lims.Proposal{{Code: "mx", Number: "415", ProposalID: 415, Title: "Lysozyme soaking"}},
		},
		{
			Login:         "opid231",
			PasswordHash:  hash,
			Person:        lims.Person{FamilyName: "Staff"},
			Proposals:     []lims.Proposal{{Code: "opid", Number: "231", ProposalID: 1, Title: "In-house commissioning"}},
			ActiveSession: true,
		},
	}}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return err
	}
	log.Printf("seed: wrote sample accounts to %s (password %q)", path, devPassword)
	return nil
}
