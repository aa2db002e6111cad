package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Env is the subset of process.env that identifies a board and its firmware.
type Env struct {
	Version   string `json:"VERSION"`
	GitCommit string `json:"GIT_COMMIT"`
	Board     string `json:"BOARD"`
	Serial    string `json:"SERIAL"`
	Console   string `json:"CONSOLE"`
	Modules   string `json:"MODULES"`
	RAM       int64  `json:"RAM"`
	Flash     int64  `json:"FLASH"`
	Storage   int64  `json:"STORAGE"`

	// Raw is the complete object as the device reported it.
	Raw json.RawMessage `json:"-"`
}

func ParseEnv(raw json.RawMessage) (*Env, error) {
	if raw == nil {
		return nil, errors.New("process.env is undefined")
	}
	env := &Env{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("decoding process.env: %w", err)
	}
	env.Raw = raw
	return env, nil
}

// ModuleList splits MODULES into the names of the built-in modules.
func (e *Env) ModuleList() []string {
	var mods []string
	for _, m := range strings.Split(e.Modules, ",") {
		if m = strings.TrimSpace(m); m != "" {
			mods = append(mods, m)
		}
	}
	return mods
}

// HasModule reports whether the firmware was built with the named module.
func (e *Env) HasModule(name string) bool {
	for _, m := range e.ModuleList() {
		if m == name {
			return true
		}
	}
	return false
}

func (e *Env) String() string {
	return fmt.Sprintf("%s running Espruino %s", e.Board, e.Version)
}

// Memory is the result of process.memory(). Sizes are in variable blocks.
type Memory struct {
	Free      int64   `json:"free"`
	Usage     int64   `json:"usage"`
	Total     int64   `json:"total"`
	History   int64   `json:"history"`
	GC        int64   `json:"gc"`
	GCTime    float64 `json:"gctime"`
	BlockSize int64   `json:"blocksize"`
}
