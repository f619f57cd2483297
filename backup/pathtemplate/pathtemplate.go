package pathtemplate

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultTemplate puts every archive under a folder named after the base.
const DefaultTemplate = "/{{ .Base }}/{{ .Name }}.{{ .Ext }}"

// Model evaluates destination templates of backup jobs.
type Model struct {
	envRepo  env.Repository
	logger   log.Logger
	hostname string
	now      func() time.Time
}

// JobContext describes the job a destination is evaluated for.
type JobContext struct {
	Base string
	Name string
	Ext  string
	// Dir is the job's source directory, checksum patterns are relative to it.
	Dir string
}

type templateInventory struct {
	Base     string
	Name     string
	Ext      string
	Hostname string
	Date     string
}

func NewModel(envRepo env.Repository, logger log.Logger) Model {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Warnf("Failed to get hostname: %s", err)
	}

	return Model{
		envRepo:  envRepo,
		logger:   logger,
		hostname: hostname,
		now:      time.Now,
	}
}

// Evaluate returns the remote path for a job. The result is always an
// absolute slash separated path without dot segments.
func (m Model) Evaluate(key string, job JobContext) (string, error) {
	funcMap := template.FuncMap{
		"getenv": m.getEnvVar,
		"checksum": func(paths ...string) string {
			return m.checksum(job.Dir, paths...)
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	inventory := templateInventory{
		Base:     job.Base,
		Name:     job.Name,
		Ext:      job.Ext,
		Hostname: m.hostname,
		Date:     m.now().Format("2006-01-02"),
	}
	m.validateInventory(inventory)

	resultBuffer := bytes.Buffer{}
	if err := tmpl.Execute(&resultBuffer, inventory); err != nil {
		return "", err
	}

	return validatePath(resultBuffer.String())
}

func validatePath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("destination must be an absolute path: %q", p)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == "." || segment == ".." {
			return "", fmt.Errorf("destination must not contain dot segments: %q", p)
		}
	}

	cleaned := path.Clean(p)
	if cleaned == "/" {
		return "", fmt.Errorf("destination has no file name: %q", p)
	}
	if strings.HasSuffix(p, "/") {
		return "", fmt.Errorf("destination ends with a separator: %q", p)
	}
	return cleaned, nil
}

func (m Model) getEnvVar(key string) string {
	return m.envRepo.Get(key)
}

func (m Model) validateInventory(inventory templateInventory) {
	m.warnIfEmpty("Base", inventory.Base)
	m.warnIfEmpty("Name", inventory.Name)
	m.warnIfEmpty("Hostname", inventory.Hostname)
}

func (m Model) warnIfEmpty(name, value string) {
	if value == "" {
		m.logger.Warnf("Template variable .%s is not defined", name)
	}
}
