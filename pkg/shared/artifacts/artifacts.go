package artifacts

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
	"github.com/tracesweep-io/tracesweep/pkg/shared/files"
)

// GetArtifactName returns the artifact name for a command run.
// Example: sweep_session-12_2026-09-15T08:28:46Z.tracesweep-artifact.
func GetArtifactName(command, label string, t time.Time) string {
	ts := t.UTC().Format(time.RFC3339)
	return fmt.Sprintf("%s_%s_%s.tracesweep-artifact", command, label, ts)
}

// SaveArtifactJSON writes result to <home>/artifacts/<name>.json and returns the full path.
func SaveArtifactJSON(cfg *config.Config, logger hclog.Logger, command, label string, result interface{}) (string, error) {
	dir := config.GetArtifactsHome(cfg)
	if err := files.CreateFolderIfNotExists(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, GetArtifactName(command, label, time.Now())+".json")

	resultData, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return path, fmt.Errorf("error marshaling the result data: %w", err)
	}

	if err := files.WriteJsonFile(path, resultData); err != nil {
		return path, fmt.Errorf("error writing result to artifact file: %w", err)
	}
	logger.Info("artifact saved to file", "path", path)

	return path, nil
}
