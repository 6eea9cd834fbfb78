package funccache

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/streamfn/orchestrator/pkg/store"
	"github.com/streamfn/orchestrator/pkg/tools/base64"
)

// ResolveArtifact resolves one artifact URI to a local path, staging remote
// payloads under dir. file:// and bare paths must already exist on this host;
// store://namespace/name fetches the package from the redis store and
// http(s):// downloads it. Package-level var so tests swap the resolution
// strategy.
var ResolveArtifact = func(uri string, dir string) (string, error) {
	switch {
	case uri == "":
		return "", errors.New("empty artifact uri")
	case strings.HasPrefix(uri, "file://"):
		return localPath(strings.TrimPrefix(uri, "file://"))
	case strings.HasPrefix(uri, "store://"):
		return stageFromStore(strings.TrimPrefix(uri, "store://"), dir)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return stageFromHTTP(uri, dir)
	case strings.Contains(uri, "://"):
		return "", fmt.Errorf("unsupported artifact scheme in %s", uri)
	default:
		return localPath(uri)
	}
}

func localPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func stageFromHTTP(uri string, dir string) (string, error) {
	resp, err := http.Get(uri)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", uri, resp.StatusCode)
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	name := filepath.Base(uri)
	if name == "." || name == "/" {
		name = "package.zip"
	}
	target := filepath.Join(dir, name)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return target, nil
}

func stageFromStore(ref string, dir string) (string, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("store locator %q must be store://namespace/name", ref)
	}
	payload, err := store.Get(parts[0], parts[1])
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	target := filepath.Join(dir, parts[1]+".zip")
	if err := base64.DecodeToFile(payload, target); err != nil {
		return "", err
	}
	return target, nil
}

// unpack decompresses a zip package into a fresh directory under dest and
// returns that directory.
func unpack(src string, dest string) (string, error) {
	codePath := filepath.Join(dest, strings.TrimSuffix(filepath.Base(src), ".zip"))
	if err := os.MkdirAll(codePath, 0775); err != nil {
		return "", err
	}
	if err := unzip(src, codePath); err != nil {
		return "", err
	}
	return codePath, nil
}

func unzip(src string, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	fpath := filepath.Join(dest, f.Name)
	// ZipSlip check
	if !strings.HasPrefix(fpath, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("%s: illegal file path", fpath)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(fpath, os.ModePerm)
	}
	if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
		return err
	}
	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer outFile.Close()
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(outFile, rc)
	return err
}
