package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"github.com/riptide-dl/riptide/internal/engine/types"
	"github.com/riptide-dl/riptide/internal/utils"
)

// generateFilename resolves the output filename for a new task. Template
// placeholders win, then the URL-derived basename; the timestamp scheme is
// the last resort for URLs with no usable name.
func generateFilename(task *types.Task) string {
	ext := utils.URLExtension(task.URL)
	if ext == "" && task.Options.FormatPreference != "" {
		ext = strings.ToLower(task.Options.FormatPreference)
	}

	if tpl := task.Options.FilenameTemplate; tpl != "" {
		name := strings.NewReplacer(
			"{title}", task.Title(),
			"{id}", task.ID,
			"{ext}", ext,
		).Replace(tpl)
		return utils.SanitizeFilename(name)
	}

	if name := utils.URLBasename(task.URL); name != "" {
		return utils.SanitizeFilename(name)
	}

	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("download_%d.%s", time.Now().Unix(), ext)
}

func displayName(rawurl string) string {
	if name := utils.URLBasename(rawurl); name != "" {
		return name
	}
	return rawurl
}

// fixExtension sniffs the finished file's magic bytes and renames it when
// the chosen filename carried no extension.
func (m *Manager) fixExtension(task *types.Task) {
	dest := task.DestPath()
	if filepath.Ext(dest) != "" {
		return
	}

	f, err := os.Open(dest)
	if err != nil {
		return
	}
	head := make([]byte, 261)
	n, _ := f.Read(head)
	f.Close()

	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return
	}

	renamed := dest + "." + kind.Extension
	if err := os.Rename(dest, renamed); err != nil {
		m.logger.Warn("failed to rename output with sniffed extension",
			"path", dest, "ext", kind.Extension, "err", err)
		return
	}
	m.mu.Lock()
	if t, ok := m.tasks[task.ID]; ok {
		t.Filename = t.Filename + "." + kind.Extension
	}
	m.mu.Unlock()
}
