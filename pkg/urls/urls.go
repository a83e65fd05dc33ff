package urls

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/types"
)

// Config holds the ingress URL templates. Templates use {project} and
// {group} placeholders, e.g. "https://{project}.apps.rise.example.com" and
// "https://{project}--{group}.apps.rise.example.com".
type Config struct {
	// ProductionTemplate shapes URLs for the default deployment group.
	ProductionTemplate string `yaml:"production_template"`
	// StagingTemplate shapes URLs for every other group.
	StagingTemplate string `yaml:"staging_template"`
}

// Calculator is the single source of truth for deployment URLs. Both the
// backends (to program the ingress) and the env-var injector (to populate
// RISE_APP_URL / RISE_APP_URLS) go through it.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator from the configured templates.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

var groupLabelUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// SanitizeGroup turns a deployment group name into a DNS-safe label.
// "preview/1" becomes "preview-1".
func SanitizeGroup(group string) string {
	label := strings.ToLower(group)
	label = groupLabelUnsafe.ReplaceAllString(label, "-")
	return strings.Trim(label, "-")
}

// Resolve computes the URLs for (project, group). Custom domains only apply
// to the default group; other groups share none.
func (c *Calculator) Resolve(project *types.Project, group string, domains []types.CustomDomain) *backend.URLs {
	u := &backend.URLs{
		DefaultURL: c.defaultURL(project.Name, group),
	}
	u.PrimaryURL = u.DefaultURL

	if group != types.DefaultDeploymentGroup {
		return u
	}

	for _, d := range domains {
		if !d.Verified {
			continue
		}
		domainURL := "https://" + d.Domain
		u.CustomDomainURLs = append(u.CustomDomainURLs, domainURL)
		if d.IsPrimary {
			u.PrimaryURL = domainURL
		}
	}
	return u
}

// Hosts returns the bare hostnames for ingress rules, primary first.
func Hosts(u *backend.URLs) []string {
	seen := make(map[string]bool)
	var hosts []string
	add := func(raw string) {
		host := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
		if host != "" && !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	add(u.PrimaryURL)
	add(u.DefaultURL)
	for _, cd := range u.CustomDomainURLs {
		add(cd)
	}
	return hosts
}

func (c *Calculator) defaultURL(projectName, group string) string {
	if group == types.DefaultDeploymentGroup {
		return strings.ReplaceAll(c.cfg.ProductionTemplate, "{project}", projectName)
	}
	url := strings.ReplaceAll(c.cfg.StagingTemplate, "{project}", projectName)
	return strings.ReplaceAll(url, "{group}", SanitizeGroup(group))
}

// Validate rejects templates that would produce identical URLs for
// different groups.
func (cfg Config) Validate() error {
	if cfg.ProductionTemplate == "" {
		return fmt.Errorf("production URL template is required")
	}
	if cfg.StagingTemplate == "" {
		return fmt.Errorf("staging URL template is required")
	}
	if !strings.Contains(cfg.StagingTemplate, "{group}") {
		return fmt.Errorf("staging URL template must contain {group}")
	}
	return nil
}
