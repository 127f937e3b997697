package track

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/expctx/expctx/pkg/scripting"
)

// ArtifactArgument declares a named input that a script accepts either as
// a tracked artifact reference or as a plain local path. Registering one
// adds a --{name}-artifact / --{name}-path flag pair; exactly one of the
// two may be provided.
type ArtifactArgument struct {
	// Name is the argument name, used as the flag prefix
	Name string
	// Type is the expected artifact type, for documentation only
	Type string
	// Description supplements the generated flag help text
	Description string
	// Required rejects executions that provide neither flag
	Required bool
	// Default is the artifact reference used when neither flag is given,
	// in name or name:version form.
	Default string
}

// AddArtifactArgument registers an artifact argument. It must be called
// before Execute; registering the same name twice is an error.
func (m *Module) AddArtifactArgument(arg ArtifactArgument) error {
	if arg.Name == "" {
		return fmt.Errorf("artifact argument name is required")
	}
	if _, ok := m.artifactArgs[arg.Name]; ok {
		return fmt.Errorf("artifact argument %q registered twice", arg.Name)
	}
	m.artifactArgs[arg.Name] = arg
	m.artifactOrder = append(m.artifactOrder, arg.Name)

	// Artifact references are inputs, not hyperparameters
	m.excludeKeys[normalizeKey(arg.Name+"-artifact")] = struct{}{}
	m.excludeKeys[normalizeKey(arg.Name+"-path")] = struct{}{}
	return nil
}

// MustAddArtifactArgument is AddArtifactArgument that panics on error, for
// use in script setup code.
func (m *Module) MustAddArtifactArgument(arg ArtifactArgument) *Module {
	if err := m.AddArtifactArgument(arg); err != nil {
		panic("track: " + err.Error())
	}
	return m
}

func (m *Module) defineArtifactArguments(ctx *scripting.Context) {
	if len(m.artifactOrder) == 0 {
		return
	}
	group := ctx.Arguments().Group("Artifacts", "Artifact inputs. Each accepts either a tracked artifact reference or a local path.")
	for _, name := range m.artifactOrder {
		arg := m.artifactArgs[name]
		desc := arg.Description
		if desc != "" && !strings.HasSuffix(desc, ".") {
			desc += "."
		}
		group.Flags.String(name+"-artifact", "",
			strings.TrimSpace(fmt.Sprintf("%s Artifact reference (name or name:version) to download and use.", desc)))
		group.Flags.String(name+"-path", "",
			strings.TrimSpace(fmt.Sprintf("%s Local path to use directly.", desc)))
	}
}

func (m *Module) validateArtifactArguments(ctx *scripting.Context) error {
	cfg := ctx.Config()
	for _, name := range m.artifactOrder {
		arg := m.artifactArgs[name]
		hasArtifact := cfg.Provided(name+"-artifact") && cfg.GetString(name+"-artifact") != ""
		hasPath := cfg.Provided(name+"-path") && cfg.GetString(name+"-path") != ""
		if hasArtifact && hasPath {
			return fmt.Errorf("--%s-artifact and --%s-path are mutually exclusive", name, name)
		}
		if arg.Required && !hasArtifact && !hasPath && arg.Default == "" {
			return fmt.Errorf("one of --%s-artifact or --%s-path is required", name, name)
		}
	}
	return nil
}

// ArtifactArgumentPath resolves a registered artifact argument to a local
// directory or file path. A local path is returned as given; an artifact
// reference is downloaded under the track dir and cached for the rest of
// the run.
func (m *Module) ArtifactArgumentPath(ctx *scripting.Context, name string) (string, error) {
	arg, ok := m.artifactArgs[name]
	if !ok {
		return "", fmt.Errorf("unknown artifact argument %q", name)
	}
	if path, ok := m.artifactPaths[name]; ok {
		return path, nil
	}

	cfg := ctx.Config()
	if path := cfg.GetString(name + "-path"); path != "" {
		m.artifactPaths[name] = path
		return path, nil
	}

	ref := cfg.GetString(name + "-artifact")
	if ref == "" {
		ref = arg.Default
	}
	if ref == "" {
		return "", fmt.Errorf("artifact argument %q was not provided", name)
	}
	if m.client == nil {
		return "", fmt.Errorf("artifact argument %q needs online mode to download %q, pass --%s-path instead", name, ref, name)
	}

	artifactName, version := splitArtifactRef(ref)
	downloadCtx, cancel := context.WithTimeout(ctx.Ctx(), 10*time.Minute)
	defer cancel()

	destDir := filepath.Join(cfg.GetString("track-dir"), "artifacts", artifactName)
	artifact, err := m.client.GetArtifact(downloadCtx, artifactName, version)
	if err != nil {
		return "", fmt.Errorf("failed to resolve artifact %q: %w", ref, err)
	}
	destDir = filepath.Join(destDir, artifact.Version)
	if _, err := m.client.DownloadArtifact(downloadCtx, artifactName, artifact.Version, destDir); err != nil {
		return "", fmt.Errorf("failed to download artifact %q: %w", ref, err)
	}

	m.logger.Info("artifact downloaded", map[string]interface{}{
		"artifact": artifactName, "version": artifact.Version, "dir": destDir,
	})
	m.artifactPaths[name] = destDir
	return destDir, nil
}

// splitArtifactRef splits "name:version" into its parts. A bare name means
// the latest version.
func splitArtifactRef(ref string) (string, string) {
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
