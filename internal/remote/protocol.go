package remote

import (
	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/syncer"
)

// Paths travel as "store:/path" or "store:version:/path" strings.

type CompareRequest struct {
	Src     string   `json:"src"`
	Dst     string   `json:"dst"`
	Exclude []string `json:"exclude,omitempty"`
}

type CompareResponse struct {
	Differences []avm.Difference `json:"differences"`
}

type UpdateRequest struct {
	Differences []avm.Difference     `json:"differences"`
	Exclude     []string             `json:"exclude,omitempty"`
	Options     syncer.UpdateOptions `json:"options"`
}

type FlattenRequest struct {
	Layer      string `json:"layer"`
	Underlying string `json:"underlying,omitempty"`
}

type FlattenResponse struct {
	Changed []string `json:"changed"`
}

type ResetLayerRequest struct {
	Layer string `json:"layer"`
}

type SnapshotRequest struct {
	Store       string `json:"store"`
	Tag         string `json:"tag,omitempty"`
	Description string `json:"description,omitempty"`
}

type SnapshotResponse struct {
	Store   string `json:"store"`
	Version int    `json:"version"`
}

type SubmitRequest struct {
	Source      string   `json:"source"`
	Target      string   `json:"target,omitempty"`
	From        string   `json:"from,omitempty"`
	Exclude     []string `json:"exclude,omitempty"`
	Tag         string   `json:"tag,omitempty"`
	Description string   `json:"description,omitempty"`
}

type StoresResponse struct {
	Stores []avm.Store `json:"stores"`
}

type LayerStateResponse struct {
	Path  string         `json:"path"`
	State avm.LayerState `json:"state"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string        `json:"error"`
	Code  avm.ErrorCode `json:"code,omitempty"`
	Path  string        `json:"path,omitempty"`
}

func excluder(patterns []string) (avm.Excluder, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	return avm.NewGlobExcluder(patterns...)
}

func parseOptional(s string) (avm.VersionPath, error) {
	if s == "" {
		return avm.VersionPath{}, nil
	}
	return avm.ParsePath(s)
}
