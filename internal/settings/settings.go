package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Feature is an on/off switch for a job-running transition.
type Feature struct {
	Enabled   bool              `yaml:"enabled"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

// Record configures one account or one organizational unit. Tags are applied
// to the account on assignment, on top of the file's defaults; feature
// variables ride along to the job runner unmodified.
type Record struct {
	Identifier  string            `yaml:"identifier"`
	Tags        map[string]string `yaml:"tags,omitempty"`
	Preparation Feature           `yaml:"preparation"`
	Purge       Feature           `yaml:"purge"`
}

// File is the on-disk shape: defaults plus per-account and per-unit records.
type File struct {
	DefaultTags map[string]string `yaml:"defaultTags,omitempty"`
	Accounts    []Record          `yaml:"accounts,omitempty"`
	Units       []Record          `yaml:"units,omitempty"`
}

// Resolver answers per-account configuration questions. It is immutable
// after construction and handed to each component explicitly; nothing reads
// a process-wide settings object.
type Resolver struct {
	defaultTags map[string]string
	accounts    map[string]Record
	units       map[string]Record
}

func Load(path string) (*Resolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return NewResolver(f), nil
}

func NewResolver(f File) *Resolver {
	r := &Resolver{
		defaultTags: f.DefaultTags,
		accounts:    make(map[string]Record, len(f.Accounts)),
		units:       make(map[string]Record, len(f.Units)),
	}
	for _, rec := range f.Accounts {
		r.accounts[rec.Identifier] = rec
	}
	for _, rec := range f.Units {
		r.units[rec.Identifier] = rec
	}
	return r
}

// ForAccount resolves a record: the account's own entry wins over its unit's
// entry, which wins over the zero record (both features disabled).
func (r *Resolver) ForAccount(accountID, parentUnit string) Record {
	if rec, ok := r.accounts[accountID]; ok {
		return rec
	}
	if rec, ok := r.units[parentUnit]; ok {
		return rec
	}
	return Record{Identifier: accountID}
}

// DefaultTags are applied to every account entering the pool.
func (r *Resolver) DefaultTags() map[string]string {
	return r.defaultTags
}
