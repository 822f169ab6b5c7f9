//go:build integration

package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cucumber/godog"
	"github.com/spf13/afero"

	"github.com/coah80/bgm/internal/services"
)

type retentionWorld struct {
	fs     afero.Fs
	report services.SweepReport
}

var rw *retentionWorld

func aStoredFileModifiedDaysAgo(rel string, days int) error {
	path := filepath.Join(storageRoot, filepath.FromSlash(rel))
	if err := afero.WriteFile(rw.fs, path, []byte("artifact"), 0o644); err != nil {
		return err
	}
	mod := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return rw.fs.Chtimes(path, mod, mod)
}

func theRetentionSweepRunsWithThreshold(days int) error {
	s := services.NewSweeper(rw.fs, storageRoot, time.Duration(days)*24*time.Hour)
	rw.report = s.Sweep(context.Background())
	return rw.report.Err()
}

func theSweepShouldDeleteFiles(n int) error {
	if rw.report.Deleted != n {
		return fmt.Errorf("expected %d deletions, got %d", n, rw.report.Deleted)
	}
	return nil
}

func fileShouldExist(rel string) error {
	ok, err := afero.Exists(rw.fs, filepath.Join(storageRoot, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s was deleted", rel)
	}
	return nil
}

func fileShouldNotExist(rel string) error {
	ok, err := afero.Exists(rw.fs, filepath.Join(storageRoot, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%s still exists", rel)
	}
	return nil
}

func InitializeRetentionScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		rw = &retentionWorld{fs: afero.NewMemMapFs()}
		return c, nil
	})

	ctx.Step(`^a stored file "([^"]*)" modified (\d+) days? ago$`, aStoredFileModifiedDaysAgo)
	ctx.Step(`^the retention sweep runs with a (\d+) day threshold$`, theRetentionSweepRunsWithThreshold)
	ctx.Step(`^the sweep should delete (\d+) files?$`, theSweepShouldDeleteFiles)
	ctx.Step(`^"([^"]*)" should exist$`, fileShouldExist)
	ctx.Step(`^"([^"]*)" should not exist$`, fileShouldNotExist)
}
