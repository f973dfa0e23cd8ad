package ispc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/google/uuid"

	"github.com/MarijnS95/ispc-go/internal/msg"
)

// ModuleMarker identifies a packaged kernel library: which module it is,
// which build produced it and which files make it up. A from-source pass
// writes one next to the library, which makes any output directory usable
// as a prebuilt artifact set.
type ModuleMarker struct {
	Name    string      `json:"name"`
	Version string      `json:"version,omitempty"`
	BuildID string      `json:"build_id"`
	Created time.Time   `json:"created"`
	Targets []TargetISA `json:"targets,omitempty"`
	Library string      `json:"library"`
	Header  string      `json:"header"`
}

// PrebuiltArtifactSet is a previously built library/header pair located by
// search. It is consumed as-is, never rebuilt.
type PrebuiltArtifactSet struct {
	Dir     string
	Library string
	Header  string
	Marker  ModuleMarker
}

func markerName(name string) string {
	return name + ".ispcmod.json"
}

func writeModuleMarker(dir string, m ModuleMarker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, markerName(m.Name))
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return &IOError{Op: "write module marker", Path: path, Err: err}
	}
	return nil
}

func readModuleMarker(dir, name string) (ModuleMarker, error) {
	var m ModuleMarker
	data, err := os.ReadFile(filepath.Join(dir, markerName(name)))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}

// newModuleMarker stamps the marker for a finished from-source pass.
func newModuleMarker(cfg *BuildConfig, name, library, header string) ModuleMarker {
	return ModuleMarker{
		Name:    name,
		Version: cfg.version,
		BuildID: uuid.NewString(),
		Created: time.Now().UTC(),
		Targets: cfg.Targets(),
		Library: filepath.Base(library),
		Header:  filepath.Base(header),
	}
}

// resolvePrebuilt searches the candidate locations in order: the explicit
// override (fetched first when it is a git URL), the version-derived
// default under the output directory, then the package-relative default.
// A candidate matches when its marker parses, its identity agrees with
// what the build requires and the files the marker names exist. A present
// but disagreeing marker is an immediate mismatch error; exhausting all
// candidates reports every searched location.
func resolvePrebuilt(ctx context.Context, cfg *BuildConfig, name string) (*PrebuiltArtifactSet, error) {
	var candidates []string
	if cfg.prebuiltPath != "" {
		dir, err := fetchPrebuilt(ctx, cfg, cfg.prebuiltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch prebuilt artifact set %s: %w", cfg.prebuiltPath, err)
		}
		candidates = append(candidates, dir)
	}
	if cfg.version != "" {
		candidates = append(candidates, filepath.Join(cfg.outDir, "prebuilt", name+"-"+cfg.version))
	}
	candidates = append(candidates, filepath.Join(cfg.basedir, "prebuilt", name))

	var searched []string
	for _, dir := range candidates {
		searched = append(searched, dir)
		marker, err := readModuleMarker(dir, name)
		if err != nil {
			continue
		}
		if marker.Name != name || (cfg.version != "" && marker.Version != cfg.version) {
			return nil, &ArtifactVersionMismatchError{
				Path:        dir,
				WantName:    name,
				WantVersion: cfg.version,
				GotName:     marker.Name,
				GotVersion:  marker.Version,
			}
		}
		set := &PrebuiltArtifactSet{
			Dir:     dir,
			Library: filepath.Join(dir, marker.Library),
			Header:  filepath.Join(dir, marker.Header),
			Marker:  marker,
		}
		if !outputIntact(set.Library) || !outputIntact(set.Header) {
			continue
		}
		return set, nil
	}

	return nil, &ArtifactNotFoundError{Name: name, Searched: searched}
}

var prebuiltShortcuts = map[string]string{
	"gh:": "https://github.com/",
	"gl:": "https://gitlab.com/",
	"bb:": "https://bitbucket.org/",
	"sr:": "https://sr.ht/",
	"cb:": "https://codeberg.org/",
}

const gitPrefix = "git:"

// fetchPrebuilt turns the explicit override into a local directory. Git
// URLs (git: prefix, a host shortcut, or a plain URL) are cloned into the
// user cache and reused on later passes; anything else is a local path.
func fetchPrebuilt(ctx context.Context, cfg *BuildConfig, spec string) (string, error) {
	gitURL := ""
	switch {
	case strings.HasPrefix(spec, gitPrefix):
		gitURL = spec[len(gitPrefix):]
	case isURL(spec):
		gitURL = spec
	default:
		for shortcut, base := range prebuiltShortcuts {
			if strings.HasPrefix(spec, shortcut) {
				gitURL = base + spec[len(shortcut):]
				break
			}
		}
	}

	if gitURL == "" {
		if filepath.IsAbs(spec) {
			return filepath.Clean(spec), nil
		}
		return filepath.Join(cfg.basedir, spec), nil
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(spec))
	dest := filepath.Join(cacheDir, "ispcgo", "modules", hex.EncodeToString(sum[:])[:12])

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", err
	}
	if !cfg.quiet {
		fmt.Printf("  %s %s\n", color.HiGreenString("Fetching"), gitURL)
	}
	return cloneGitRepo(ctx, gitURL, dest, cfg.quiet)
}

func isURL(maybeURL string) bool {
	u, err := url.Parse(maybeURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

type gitURL struct {
	cleanURL    string
	branch      string
	commitOrTag string
}

// someone/something@master#0.1.0
// someone/something@feature-branch#12345abc
// someone/something#12345abc
func parseGitURL(rawURL string) (res gitURL) {
	parts := strings.SplitN(rawURL, "#", 2)
	baseURL := parts[0]
	if len(parts) == 2 {
		res.commitOrTag = parts[1]
	}

	parts = strings.SplitN(baseURL, "@", 2)
	res.cleanURL = parts[0]
	if len(parts) == 2 {
		res.branch = parts[1]
	}

	if !strings.HasSuffix(res.cleanURL, ".git") {
		res.cleanURL += ".git"
	}

	return
}

// cloneGitRepo clones a git remote into the given directory, honoring
// branch and commit pins in the URL.
func cloneGitRepo(ctx context.Context, rawURL, toWhere string, quiet bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return toWhere, err
	}
	parsedURL := parseGitURL(rawURL)

	cloneOptions := &git.CloneOptions{
		URL:               parsedURL.cleanURL,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}

	var pb *msg.ProgressBar
	if !quiet {
		pb = msg.NewProgressBar(0, 4, os.Stdout)
		cloneOptions.Progress = pb
	}

	if parsedURL.commitOrTag == "" {
		cloneOptions.Depth = 1 // shallow clone of the latest commit is enough
	}

	if parsedURL.branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(parsedURL.branch)
		cloneOptions.SingleBranch = true
	}

	repo, err := git.PlainClone(toWhere, cloneOptions)
	if pb != nil {
		pb.Finish()
	}
	if err != nil {
		return toWhere, err
	}

	if parsedURL.commitOrTag != "" {
		w, err := repo.Worktree()
		if err != nil {
			return toWhere, fmt.Errorf("could not get worktree: %w", err)
		}

		revision := parsedURL.commitOrTag
		hash, err := repo.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return toWhere, fmt.Errorf("could not resolve revision `%s`: %w", revision, err)
		}

		err = w.Checkout(&git.CheckoutOptions{
			Hash:  *hash,
			Force: true,
		})
		if err != nil {
			return toWhere, fmt.Errorf("failed to checkout `%s`: %w", revision, err)
		}
	}

	return toWhere, nil
}
