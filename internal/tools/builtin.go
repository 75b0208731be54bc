package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
	"github.com/kestrelsec/kestrel/internal/registry"
)

const maxFetchBody = 256 * 1024

// Toolkit bundles the builtin capabilities and their shared dependencies.
// Each tool is a thin wrapper over stdlib network primitives; richer
// collection sources plug in through the registry without touching the agent.
type Toolkit struct {
	logger   *zap.Logger
	resolver *net.Resolver
	client   *http.Client
}

// NewToolkit builds the builtin toolkit using the configured HTTP timeout.
func NewToolkit(cfg config.ToolsConfig, logger *zap.Logger) *Toolkit {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Toolkit{
		logger:   logger.Named("tools"),
		resolver: net.DefaultResolver,
		client:   &http.Client{Timeout: timeout},
	}
}

// RegisterAll installs every builtin tool into the registry.
func (tk *Toolkit) RegisterAll(reg *registry.Registry) error {
	all := []struct {
		spec schemas.ToolSpec
		fn   registry.ToolFunc
	}{
		{domainLookupSpec(), tk.domainLookup},
		{ipLookupSpec(), tk.ipLookup},
		{httpFetchSpec(), tk.httpFetch},
		{usernameSearchSpec(), tk.usernameSearch},
		{emailInvestigationSpec(), tk.emailInvestigation},
	}
	for _, t := range all {
		if err := reg.Register(t.spec, t.fn); err != nil {
			return fmt.Errorf("registering %s: %w", t.spec.Name, err)
		}
	}
	return nil
}

func domainLookupSpec() schemas.ToolSpec {
	return schemas.ToolSpec{
		Name:        "domain_lookup",
		Description: "Resolves a domain name: A/AAAA records, name servers, and mail exchangers.",
		Parameters: []schemas.ParamSpec{
			{Name: "domain", Type: "string", Description: "Domain name to resolve.", Required: true},
		},
	}
}

func (tk *Toolkit) domainLookup(ctx context.Context, params map[string]any) (any, error) {
	domain := strings.TrimSpace(params["domain"].(string))
	if domain == "" {
		return nil, fmt.Errorf("empty domain")
	}

	result := map[string]any{"domain": domain}

	addrs, err := tk.resolver.LookupHost(ctx, domain)
	if err != nil {
		result["resolve_error"] = err.Error()
	} else {
		result["addresses"] = addrs
	}

	if ns, err := tk.resolver.LookupNS(ctx, domain); err == nil {
		hosts := make([]string, 0, len(ns))
		for _, r := range ns {
			hosts = append(hosts, strings.TrimSuffix(r.Host, "."))
		}
		result["name_servers"] = hosts
	}

	if mx, err := tk.resolver.LookupMX(ctx, domain); err == nil {
		hosts := make([]string, 0, len(mx))
		for _, r := range mx {
			hosts = append(hosts, strings.TrimSuffix(r.Host, "."))
		}
		result["mail_servers"] = hosts
	}

	if txt, err := tk.resolver.LookupTXT(ctx, domain); err == nil && len(txt) > 0 {
		result["txt_records"] = txt
	}

	return result, nil
}

func ipLookupSpec() schemas.ToolSpec {
	return schemas.ToolSpec{
		Name:        "ip_lookup",
		Description: "Investigates an IP address: reverse DNS and basic classification.",
		Parameters: []schemas.ParamSpec{
			{Name: "ip", Type: "string", Description: "IPv4 or IPv6 address.", Required: true},
		},
	}
}

func (tk *Toolkit) ipLookup(ctx context.Context, params map[string]any) (any, error) {
	raw := strings.TrimSpace(params["ip"].(string))
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", raw)
	}

	result := map[string]any{
		"ip":        ip.String(),
		"version":   ipVersion(ip),
		"private":   ip.IsPrivate(),
		"loopback":  ip.IsLoopback(),
		"multicast": ip.IsMulticast(),
	}

	if names, err := tk.resolver.LookupAddr(ctx, ip.String()); err == nil {
		trimmed := make([]string, 0, len(names))
		for _, n := range names {
			trimmed = append(trimmed, strings.TrimSuffix(n, "."))
		}
		result["hostnames"] = trimmed
	}

	return result, nil
}

func ipVersion(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 6
}

func httpFetchSpec() schemas.ToolSpec {
	return schemas.ToolSpec{
		Name:        "http_fetch",
		Description: "Fetches a URL and returns status, headers of interest, and a truncated body.",
		Parameters: []schemas.ParamSpec{
			{Name: "url", Type: "string", Description: "Absolute http or https URL.", Required: true},
		},
	}
}

func (tk *Toolkit) httpFetch(ctx context.Context, params map[string]any) (any, error) {
	url := strings.TrimSpace(params["url"].(string))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("url must be http or https: %q", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "kestrel/1.0")

	resp, err := tk.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"url":          url,
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"server":       resp.Header.Get("Server"),
		"body":         string(body),
		"truncated":    len(body) == maxFetchBody,
	}, nil
}

func usernameSearchSpec() schemas.ToolSpec {
	return schemas.ToolSpec{
		Name:        "username_search",
		Description: "Probes well-known platforms for a username and reports where a profile exists.",
		Parameters: []schemas.ParamSpec{
			{Name: "username", Type: "string", Description: "Username to search for.", Required: true},
		},
	}
}

// platformURLs covers platforms whose profile pages answer 404 for missing
// users. Sites that soft-404 are deliberately absent.
var platformURLs = map[string]string{
	"github":    "https://github.com/%s",
	"gitlab":    "https://gitlab.com/%s",
	"reddit":    "https://www.reddit.com/user/%s",
	"keybase":   "https://keybase.io/%s",
	"hackernews": "https://news.ycombinator.com/user?id=%s",
}

func (tk *Toolkit) usernameSearch(ctx context.Context, params map[string]any) (any, error) {
	username := strings.TrimSpace(params["username"].(string))
	if username == "" {
		return nil, fmt.Errorf("empty username")
	}

	found := make([]map[string]any, 0)
	checked := make([]string, 0, len(platformURLs))
	for platform, pattern := range platformURLs {
		url := fmt.Sprintf(pattern, username)
		checked = append(checked, platform)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", "kestrel/1.0")
		resp, err := tk.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			found = append(found, map[string]any{"platform": platform, "url": url})
		}
	}

	return map[string]any{
		"username": username,
		"checked":  checked,
		"profiles": found,
	}, nil
}

func emailInvestigationSpec() schemas.ToolSpec {
	return schemas.ToolSpec{
		Name:        "email_investigation",
		Description: "Analyzes an email address: syntax, domain deliverability, and provider classification.",
		Parameters: []schemas.ParamSpec{
			{Name: "email", Type: "string", Description: "Email address to investigate.", Required: true},
		},
	}
}

var freemailDomains = map[string]bool{
	"gmail.com":      true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"protonmail.com": true,
	"proton.me":      true,
	"icloud.com":     true,
	"mail.ru":        true,
	"yandex.ru":      true,
}

func (tk *Toolkit) emailInvestigation(ctx context.Context, params map[string]any) (any, error) {
	email := strings.TrimSpace(strings.ToLower(params["email"].(string)))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return nil, fmt.Errorf("invalid email address %q", email)
	}
	local, domain := email[:at], email[at+1:]

	result := map[string]any{
		"email":    email,
		"local":    local,
		"domain":   domain,
		"freemail": freemailDomains[domain],
	}

	mx, err := tk.resolver.LookupMX(ctx, domain)
	if err != nil {
		result["deliverable"] = false
		result["mx_error"] = err.Error()
		return result, nil
	}
	hosts := make([]string, 0, len(mx))
	for _, r := range mx {
		hosts = append(hosts, strings.TrimSuffix(r.Host, "."))
	}
	result["deliverable"] = len(hosts) > 0
	result["mail_servers"] = hosts
	return result, nil
}
