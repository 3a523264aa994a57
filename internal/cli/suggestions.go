package cli

import (
	"fmt"
	"strings"

	"github.com/snapguard/snapguard/pkg/color"
)

// suggestConfigInit tells the user how to create a configuration.
func suggestConfigInit() string {
	return fmt.Sprintf("Run %s to create a configuration for the directories to protect.",
		color.Info("snapguard config init <root...>"))
}

// suggestRoots lists the monitored roots when a path falls outside them.
func suggestRoots(path string, roots []string) string {
	if len(roots) == 0 {
		return suggestConfigInit()
	}
	paths := make([]string, len(roots))
	for i, r := range roots {
		paths[i] = color.Path(r)
	}
	return fmt.Sprintf("%s is not under a monitored root. Monitored roots: %s",
		color.Path(path), strings.Join(paths, ", "))
}

// suggestCapture is shown when a path has no snapshot history.
func suggestCapture(path string) string {
	return fmt.Sprintf("No snapshots of %s yet. Run %s or keep %s running.",
		color.Path(path), color.Info("snapguard snapshot capture "+path), color.Info("snapguard watch"))
}
