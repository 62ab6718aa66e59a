package mxmcc

import "fmt"

// ConfigError reports an unusable configuration, detected before any stage runs.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ChartError is a failure to read or render one chart.
type ChartError struct {
	Path string
	Err  error
}

func (e *ChartError) Error() string {
	return fmt.Sprintf("chart %s: %v", e.Path, e.Err)
}

func (e *ChartError) Unwrap() error { return e.Err }

// VerifyError names the tile directory that failed verification.
type VerifyError struct {
	Path    string
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify %s: %s", e.Path, e.Message)
}

// StageError halts a compile run at the failing stage.
type StageError struct {
	Stage  Checkpoint
	Region string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Region, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// MissingTileError is returned by archive writers when a listed tile has no file.
type MissingTileError struct {
	Tile Tile
}

func (e *MissingTileError) Error() string {
	return fmt.Sprintf("missing tile %s", e.Tile)
}
