package activities

import (
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/prebuildops/agent/internal/sshsession"
)

//go:embed resources/buildfs
var buildFsResources embed.FS

const buildFsResourcesRoot = "resources/buildfs"

// uploadResourceDir uploads every file under an embedded resource directory
// to remoteDir on the guest, preserving relative paths and marking .sh
// files executable. session.PutDirectory only works against a real host
// directory, so embedded resources are uploaded file-by-file via WriteFile
// instead of being extracted to a temp dir first.
func uploadResourceDir(session *sshsession.Session, localRoot, remoteDir string) error {
	return fs.WalkDir(buildFsResources, localRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := relFromRoot(localRoot, p)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, relPath)

		data, err := buildFsResources.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded resource %s: %w", p, err)
		}

		mode := fs.FileMode(0o644)
		if path.Ext(p) == ".sh" {
			mode = 0o755
		}
		if err := session.WriteFile(remotePath, data, mode); err != nil {
			return fmt.Errorf("upload %s: %w", remotePath, err)
		}
		return nil
	})
}

func relFromRoot(root, p string) (string, error) {
	prefix := root + "/"
	if len(p) > len(prefix) && p[:len(prefix)] == prefix {
		return p[len(prefix):], nil
	}
	if p == root {
		return path.Base(root), nil
	}
	return "", fmt.Errorf("path %s is not under %s", p, root)
}
