package fleet

import (
	"fmt"
	"strings"

	"github.com/mcuadros/go-defaults"
)

// CharacteristicID names the characteristics of the applicator service.
type CharacteristicID int

const (
	CharUnknown CharacteristicID = iota
	CharCurationRead
	CharCurationWrite
	CharStatusRead
	CharStatusWrite
	CharHistory
)

func (c CharacteristicID) String() string {
	switch c {
	case CharCurationRead:
		return "curation_read"
	case CharCurationWrite:
		return "curation_write"
	case CharStatusRead:
		return "status_read"
	case CharStatusWrite:
		return "status_write"
	case CharHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Profile holds the UUIDs of the applicator GATT service.
type Profile struct {
	Service       string `mapstructure:"service" default:"a1b20001-7c3e-4f5a-9d1e-0c2b3a4d5e6f"`
	CurationRead  string `mapstructure:"curation_read" default:"a1b20002-7c3e-4f5a-9d1e-0c2b3a4d5e6f"`
	StatusRead    string `mapstructure:"status_read" default:"a1b20003-7c3e-4f5a-9d1e-0c2b3a4d5e6f"`
	History       string `mapstructure:"history" default:"a1b20004-7c3e-4f5a-9d1e-0c2b3a4d5e6f"`
	StatusWrite   string `mapstructure:"status_write" default:"a1b20005-7c3e-4f5a-9d1e-0c2b3a4d5e6f"`
	CurationWrite string `mapstructure:"curation_write" default:"a1b20006-7c3e-4f5a-9d1e-0c2b3a4d5e6f"`
}

// DefaultProfile returns the profile described by the struct tag defaults.
func DefaultProfile() Profile {
	var p Profile
	defaults.SetDefaults(&p)
	return p
}

// Resolve maps a characteristic UUID to its role. Comparison ignores case.
func (p Profile) Resolve(uuid string) CharacteristicID {
	switch {
	case strings.EqualFold(uuid, p.CurationRead):
		return CharCurationRead
	case strings.EqualFold(uuid, p.CurationWrite):
		return CharCurationWrite
	case strings.EqualFold(uuid, p.StatusRead):
		return CharStatusRead
	case strings.EqualFold(uuid, p.StatusWrite):
		return CharStatusWrite
	case strings.EqualFold(uuid, p.History):
		return CharHistory
	default:
		return CharUnknown
	}
}

func (p Profile) UUID(id CharacteristicID) string {
	switch id {
	case CharCurationRead:
		return p.CurationRead
	case CharCurationWrite:
		return p.CurationWrite
	case CharStatusRead:
		return p.StatusRead
	case CharStatusWrite:
		return p.StatusWrite
	case CharHistory:
		return p.History
	default:
		return ""
	}
}

// Characteristics lists every characteristic UUID of the profile.
func (p Profile) Characteristics() []string {
	return []string{p.CurationRead, p.CurationWrite, p.StatusRead, p.StatusWrite, p.History}
}

func (p Profile) Validate() error {
	if p.Service == "" {
		return fmt.Errorf("profile: service uuid is empty")
	}
	seen := make(map[string]CharacteristicID)
	for _, id := range []CharacteristicID{CharCurationRead, CharCurationWrite, CharStatusRead, CharStatusWrite, CharHistory} {
		uuid := strings.ToLower(p.UUID(id))
		if uuid == "" {
			return fmt.Errorf("profile: %s uuid is empty", id)
		}
		if other, ok := seen[uuid]; ok {
			return fmt.Errorf("profile: %s and %s share uuid %s", other, id, uuid)
		}
		seen[uuid] = id
	}
	return nil
}
