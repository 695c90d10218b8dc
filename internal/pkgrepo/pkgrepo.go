// Package pkgrepo builds the test package tarballs and the repository
// index that the guest package manager downloads during a run.
package pkgrepo

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Package names one installable package and its metadata.
type Package struct {
	Name        string
	Version     string
	Description string
	Depends     []string
}

// Artifact is a built package tarball ready to be served.
type Artifact struct {
	Package     Package
	TarballName string // file name inside the repository directory
	TarballPath string
	SHA256      string // hex digest of the tarball
}

// Xxd package constants. The install step matches the guest's
// "<name> <version> installed" confirmation against these.
const (
	XxdName    = "xxd"
	XxdVersion = "1.0.0-1"

	xxdDescription = "Hex dump and reverse hex dump utility"
)

// XxdPackage describes the hex dump utility shipped as the test package.
func XxdPackage() Package {
	return Package{
		Name:        XxdName,
		Version:     XxdVersion,
		Description: xxdDescription,
		Depends:     []string{},
	}
}

// pkgInfo is the .PKGINFO manifest embedded in every package tarball.
type pkgInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Depends     []string `json:"depends"`
}

// BuildPackage creates <name>-<version>.tar.gz in destDir containing the
// .PKGINFO manifest and the binary at bin/<name>. The tarball uses the
// USTAR format the guest unpacker understands.
func BuildPackage(pkg Package, binaryPath, destDir string) (*Artifact, error) {
	if pkg.Depends == nil {
		pkg.Depends = []string{}
	}

	tarballName := fmt.Sprintf("%s-%s.tar.gz", pkg.Name, pkg.Version)
	tarballPath := filepath.Join(destDir, tarballName)

	if err := writeTarball(pkg, binaryPath, tarballPath); err != nil {
		return nil, fmt.Errorf("building %s: %w", tarballName, err)
	}

	digest, err := FileSHA256(tarballPath)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", tarballName, err)
	}

	return &Artifact{
		Package:     pkg,
		TarballName: tarballName,
		TarballPath: tarballPath,
		SHA256:      digest,
	}, nil
}

func writeTarball(pkg Package, binaryPath, tarballPath string) error {
	manifest, err := json.Marshal(pkgInfo{
		Name:        pkg.Name,
		Version:     pkg.Version,
		Description: pkg.Description,
		Depends:     pkg.Depends,
	})
	if err != nil {
		return err
	}

	bin, err := os.Open(binaryPath)
	if err != nil {
		return err
	}
	defer bin.Close()

	binInfo, err := bin.Stat()
	if err != nil {
		return err
	}

	f, err := os.Create(tarballPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	epoch := time.Unix(0, 0)

	if err := tw.WriteHeader(&tar.Header{
		Name:     ".PKGINFO",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  epoch,
		Format:   tar.FormatUSTAR,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(manifest); err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:     "bin/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  epoch,
		Format:   tar.FormatUSTAR,
	}); err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{
		Name:     "bin/" + pkg.Name,
		Typeflag: tar.TypeReg,
		Mode:     0o755,
		Size:     binInfo.Size(),
		ModTime:  binInfo.ModTime(),
		Format:   tar.FormatUSTAR,
	}); err != nil {
		return err
	}
	if _, err := io.Copy(tw, bin); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}

// FileSHA256 returns the hex SHA-256 digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// indexEntry is one package record inside repo.json.
type indexEntry struct {
	Version     string   `json:"version"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	SHA256      string   `json:"sha256"`
	Depends     []string `json:"depends"`
}

// repoIndex is the repo.json document the guest fetches first.
type repoIndex struct {
	Packages map[string]indexEntry `json:"packages"`
}

// WriteRepoIndex writes repo.json into destDir describing the given
// artifacts. Package URLs are server-root relative.
func WriteRepoIndex(destDir string, artifacts []*Artifact) (string, error) {
	idx := repoIndex{Packages: make(map[string]indexEntry, len(artifacts))}
	for _, a := range artifacts {
		depends := a.Package.Depends
		if depends == nil {
			depends = []string{}
		}
		idx.Packages[a.Package.Name] = indexEntry{
			Version:     a.Package.Version,
			Description: a.Package.Description,
			URL:         "/" + a.TarballName,
			SHA256:      a.SHA256,
			Depends:     depends,
		}
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(destDir, "repo.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
