package mxmcc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Encryptor turns the optimized tile tree of a region into its encrypted copy.
type Encryptor interface {
	Encrypt(ctx context.Context, region, inDir, outDir string) error
}

// EncryptedDir is where the encrypted copy of a region's merged tiles goes.
func EncryptedDir(mergedDir, region string) string {
	return filepath.Join(mergedDir, normalizeRegion(region)+".enc")
}

// CommandEncryptor runs an external program with {in}, {out} and {region}
// placeholders substituted. The program must recreate every top level
// entry of the input directory in the output directory.
type CommandEncryptor struct {
	Logger  *zap.Logger
	Command string
}

func (e CommandEncryptor) Encrypt(ctx context.Context, region, inDir, outDir string) error {
	if e.Command == "" {
		return &ConfigError{Field: "encrypt_command", Err: fmt.Errorf("required for encrypted region %s", region)}
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.RemoveAll(outDir); err != nil {
		return err
	}
	logger.Info("encrypting tiles", zap.String("region", region), zap.String("in", inDir), zap.String("out", outDir))
	vars := map[string]string{"in": inDir, "out": outDir, "region": region}
	if err := runCommand(ctx, logger, e.Command, vars); err != nil {
		return fmt.Errorf("encrypting %s: %w", region, err)
	}
	return checkEncrypted(inDir, outDir)
}

func checkEncrypted(inDir, outDir string) error {
	st, err := os.Stat(outDir)
	if err != nil || !st.IsDir() {
		return &VerifyError{Path: outDir, Message: "encryptor produced no output directory"}
	}
	in, err := os.ReadDir(inDir)
	if err != nil {
		return err
	}
	out, err := os.ReadDir(outDir)
	if err != nil {
		return err
	}
	if len(in) != len(out) {
		return &VerifyError{Path: outDir, Message: fmt.Sprintf("%d entries, expected %d", len(out), len(in))}
	}
	return nil
}
