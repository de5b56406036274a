package downloader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"
)

// ProgressFn receives download progress, percent 0-100 and a stage name.
// Callbacks may fire many times per second and may arrive out of order.
type ProgressFn func(percent float64, stage string)

// ExecResult is what an executor reports back on success
type ExecResult struct {
	OutputPath string
	Title      string
	Duration   float64
	Uploader   string
}

// Executor performs the actual retrieval for a matched url family
type Executor interface {
	Execute(ctx context.Context, url, outputDir string, progress ProgressFn) (ExecResult, error)
	Name() string
}

// Rule maps url hosts to an executor command, loadable from yaml
type Rule struct {
	Name    string   `yaml:"name"`
	Hosts   []string `yaml:"hosts"`
	Command string   `yaml:"command"`
}

// Registry is the capability table matching urls to executors,
// with a generic fallback for unmatched urls
type Registry struct {
	rules    []registeredRule
	fallback Executor
}

type registeredRule struct {
	hosts []string
	exec  Executor
}

// NewRegistry makes registry with built-in executors: yt-dlp for
// youtube/twitter/vimeo and the generic fallback, BBDown for bilibili
func NewRegistry() *Registry {
	ytdlp := &CommandExecutor{
		Cmd:     "yt-dlp",
		Command: `yt-dlp --newline --no-playlist -o "{dir}/video.%(ext)s" "{url}"`,
	}
	bbdown := &CommandExecutor{
		Cmd:     "bbdown",
		Command: `BBDown --work-dir "{dir}" "{url}"`,
	}

	return &Registry{
		rules: []registeredRule{
			{hosts: []string{"youtube.com", "youtu.be", "twitter.com", "x.com", "vimeo.com"}, exec: ytdlp},
			{hosts: []string{"bilibili.com", "b23.tv"}, exec: bbdown},
		},
		fallback: ytdlp,
	}
}

// LoadRules replaces built-in rules with the ones from a yaml file.
// The first rule becomes the fallback for unmatched urls.
func (r *Registry) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("can't read executor rules %s: %w", path, err)
	}
	var cfg struct {
		Executors []Rule `yaml:"executors"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("can't parse executor rules %s: %w", path, err)
	}
	if len(cfg.Executors) == 0 {
		return fmt.Errorf("no executors defined in %s", path)
	}

	rules := []registeredRule{}
	for _, rule := range cfg.Executors {
		if rule.Command == "" {
			return fmt.Errorf("executor %q without command in %s", rule.Name, path)
		}
		rules = append(rules, registeredRule{
			hosts: rule.Hosts,
			exec:  &CommandExecutor{Cmd: rule.Name, Command: rule.Command},
		})
	}
	r.rules = rules
	r.fallback = rules[0].exec
	log.Printf("[INFO] loaded %d executor rules from %s", len(rules), path)
	return nil
}

// Match returns the executor for the url, fallback if no host matched
func (r *Registry) Match(rawURL string) Executor {
	u, err := url.Parse(rawURL)
	if err != nil {
		return r.fallback
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for _, rule := range r.rules {
		for _, h := range rule.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return rule.exec
			}
		}
	}
	return r.fallback
}

// CommandExecutor shells out to an external downloader. Command is a
// template with {url} and {dir} placeholders. Progress is parsed from
// yt-dlp style percent lines in the combined output.
type CommandExecutor struct {
	Cmd     string
	Command string
}

// Name returns the executor name for logs and summaries
func (c *CommandExecutor) Name() string { return c.Cmd }

// Execute runs the command and reports the downloaded media file.
// Timeouts on the retrieval itself are the external command's business,
// ctx cancellation kills it.
func (c *CommandExecutor) Execute(ctx context.Context, rawURL, outputDir string, progress ProgressFn) (ExecResult, error) {
	command := strings.ReplaceAll(c.Command, "{url}", rawURL)
	command = strings.ReplaceAll(command, "{dir}", outputDir)

	log.Printf("[DEBUG] executing %s: %s", c.Cmd, command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command) // nolint gosec

	writers := []io.Writer{os.Stdout}
	if progress != nil {
		writers = append(writers, newProgressWriter(progress))
	}
	out := io.MultiWriter(writers...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return ExecResult{}, fmt.Errorf("executor %s failed for %s: %w", c.Cmd, rawURL, err)
	}

	outputPath, err := findMediaFile(outputDir)
	if err != nil {
		return ExecResult{}, fmt.Errorf("executor %s produced no output for %s: %w", c.Cmd, rawURL, err)
	}

	title := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	return ExecResult{OutputPath: outputPath, Title: title}, nil
}

// findMediaFile picks the largest file in the directory, skipping the
// metadata sidecar and hidden files
func findMediaFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var best string
	var bestSize int64 = -1
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == sidecarFile || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, entry.Name()), info.Size()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no files in %s", dir)
	}
	return best, nil
}

var percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// progressWriter scans command output lines for percent values and feeds
// them to the progress callback. Satisfies io.Writer the same way output
// capture writers do.
type progressWriter struct {
	progress ProgressFn
}

func newProgressWriter(progress ProgressFn) *progressWriter {
	return &progressWriter{progress: progress}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(string(b), "\n") {
		m := percentRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		percent, err := strconv.ParseFloat(m[1], 64)
		if err != nil || percent < 0 || percent > 100 {
			continue
		}
		stage := "downloading"
		if percent >= 100 {
			stage = "processing"
		}
		p.progress(percent, stage)
	}
	return len(b), nil
}
