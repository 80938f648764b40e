package update

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/util"
)

// manifestFiles decide whether dependencies need reinstalling.
var manifestFiles = []string{"go.mod", "go.sum"}

// changeSet records how a working tree was modified so it can be reverted.
type changeSet struct {
	backupDir   string
	overwritten []string
	created     []string
}

func (c *changeSet) Len() int {
	return len(c.overwritten) + len(c.created)
}

// isExcluded reports whether rel lies in one of the excluded top-level dirs.
func isExcluded(rel string, excluded []string) bool {
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if first == ".git" {
		return true
	}
	for _, dir := range excluded {
		if first == strings.Trim(filepath.ToSlash(dir), "/") {
			return true
		}
	}
	return false
}

// applyTree copies every changed file of src over workDir, skipping the
// excluded dirs. Overwritten files are saved under backupDir first.
func applyTree(src, workDir, backupDir string, excluded []string) (*changeSet, error) {
	cs := &changeSet{backupDir: backupDir}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		if isExcluded(rel, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		dest := filepath.Join(workDir, rel)
		incoming, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		current, err := os.ReadFile(dest)
		switch {
		case err == nil && bytes.Equal(current, incoming):
			return nil
		case err == nil:
			info, statErr := os.Stat(dest)
			if statErr != nil {
				return statErr
			}
			if err := util.CopyFile(dest, filepath.Join(backupDir, rel), info.Mode().Perm()); err != nil {
				return err
			}
			cs.overwritten = append(cs.overwritten, rel)
		case os.IsNotExist(err):
			cs.created = append(cs.created, rel)
		default:
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return util.CopyFile(path, dest, info.Mode().Perm())
	})
	return cs, err
}

// revert undoes an applied change set. It keeps going on errors so as much
// of the tree as possible is restored.
func (c *changeSet) revert(workDir string) error {
	var firstErr error
	for _, rel := range c.overwritten {
		backup := filepath.Join(c.backupDir, rel)
		info, err := os.Stat(backup)
		if err == nil {
			err = util.CopyFile(backup, filepath.Join(workDir, rel), info.Mode().Perm())
		}
		if err != nil {
			log.Error().Err(err).Str("file", rel).Msg("failed to restore file")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, rel := range c.created {
		if err := os.Remove(filepath.Join(workDir, rel)); err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).Str("file", rel).Msg("failed to remove added file")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// hashFiles fingerprints the named files of dir. Missing files hash as empty.
func hashFiles(dir string, names []string) string {
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// backupDirs copies each existing mutable dir of workDir into dest.
func backupDirs(workDir, dest string, dirs []string) ([]string, error) {
	var saved []string
	for _, dir := range dirs {
		src := filepath.Join(workDir, dir)
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return saved, err
		}
		if !info.IsDir() {
			continue
		}
		if err := util.CopyDir(src, filepath.Join(dest, dir), nil); err != nil {
			return saved, err
		}
		saved = append(saved, dir)
	}
	return saved, nil
}

// restoreDirs puts backed up mutable dirs back in place.
func restoreDirs(workDir, backup string, dirs []string) error {
	var firstErr error
	for _, dir := range dirs {
		if err := util.ReplaceDir(filepath.Join(backup, dir), filepath.Join(workDir, dir)); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("failed to restore directory")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
