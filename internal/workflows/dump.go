package workflows

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/models"
)

// Dumper writes per-stage state snapshots to
// <dump_dir>/<workflow>/<run_id>.json while a run is in flight. Dumps are
// strictly diagnostic: failures are logged and swallowed, and production
// mode disables the whole thing.
type Dumper struct {
	enabled bool
	dir     string
	logger  arbor.ILogger
	mu      sync.Mutex
}

// NewDumper creates a dumper from workflow configuration.
func NewDumper(cfg *common.WorkflowConfig, logger arbor.ILogger) *Dumper {
	return &Dumper{
		enabled: cfg.Mode == "dev",
		dir:     cfg.DumpDir,
		logger:  logger,
	}
}

// Enabled reports whether dumps are being written.
func (d *Dumper) Enabled() bool {
	return d != nil && d.enabled
}

// Dump appends a stage checkpoint to the run's dump file.
func (d *Dumper) Dump(workflow, runID, stage string, state interface{}) {
	if !d.Enabled() {
		return
	}

	checkpoint, err := models.NewWorkflowCheckpoint(workflow, runID, stage, state)
	if err != nil {
		d.logger.Warn().Err(err).Str("stage", stage).Msg("Failed to serialize workflow state")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	runDir := filepath.Join(d.dir, workflow)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		d.logger.Warn().Err(err).Str("dir", runDir).Msg("Failed to create workflow dump directory")
		return
	}

	path := filepath.Join(runDir, runID+".json")
	checkpoints := d.load(path)
	checkpoints = append(checkpoints, checkpoint)

	data, err := json.MarshalIndent(checkpoints, "", "  ")
	if err != nil {
		d.logger.Warn().Err(err).Str("stage", stage).Msg("Failed to marshal workflow checkpoints")
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("Failed to write workflow dump")
	}
}

func (d *Dumper) load(path string) []*models.WorkflowCheckpoint {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var checkpoints []*models.WorkflowCheckpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("Existing workflow dump is unreadable, starting over")
		return nil
	}
	return checkpoints
}
