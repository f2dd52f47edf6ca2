package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ecocity.ai/internal/persistence/indexdb"
	"ecocity.ai/internal/sim/environment"
	"ecocity.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	RecordSave(m environment.Metrics)
	RecordCrossing(c environment.Crossing)
	UpsertTuning(tune tuning.Tuning) error
	Stats() indexdb.Stats
	Close() error
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("ECO_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "environment.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported ECO_INDEX_BACKEND: %s", backend)
	}
}
