package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
)

// DefaultCloudflareURL is the Cloudflare API v4 base URL.
const DefaultCloudflareURL = "https://api.cloudflare.com/client/v4"

// Cloudflare operations.
const (
	OpZoneEnsure        = "zone.ensure"
	OpZoneSSL           = "zone.ssl"
	OpOriginCertificate = "certificate.origin"
	OpRecordsUpsert     = "records.upsert"
)

const defaultTokenSecret = "cloudflare_api_token"

// Cloudflare manages the tenant's zone through the Cloudflare API.
//
// Params:
//
//	op            zone.ensure | zone.ssl | certificate.origin | records.upsert
//	zone          zone name
//	token_secret  secret name of the API token, default cloudflare_api_token
//	account_id    account for zone creation (zone.ensure)
//	mode          SSL mode (zone.ssl)
//	hostnames     comma separated certificate hostnames (certificate.origin)
//	out_dir       where origin.pem and origin.key are written (certificate.origin)
//	validity_days certificate lifetime, default 5475 (certificate.origin)
//	records       JSON array of records (records.upsert)
type Cloudflare struct {
	BaseURL string
	Client  *http.Client
	Secrets Secrets

	// Now is used for certificate expiry checks.
	Now func() time.Time
}

// Run implements engine.ActionHandler.
func (c *Cloudflare) Run(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
	if err := required(req, "op", "zone"); err != nil {
		return nil, err
	}
	client, err := c.client(req)
	if err != nil {
		return nil, err
	}
	zone := req.Param("zone")

	var output string
	switch op := req.Param("op"); op {
	case OpZoneEnsure:
		output, err = client.ensureZone(ctx, zone, req.Param("account_id"))
	case OpZoneSSL:
		output, err = client.setSSL(ctx, zone, req.Param("mode"))
	case OpOriginCertificate:
		output, err = c.originCertificate(ctx, client, req)
	case OpRecordsUpsert:
		output, err = client.upsertRecords(ctx, zone, req.Param("records"), req.Log)
	default:
		return nil, engine.NewFatalError(fmt.Sprintf("unknown cloudflare op %q", op), nil).WithCode(engine.ErrCodeValidation)
	}
	if err != nil {
		return nil, contextError(ctx, err)
	}
	if req.Log != nil {
		req.Log(output)
	}
	return &engine.ActionResult{Output: output}, nil
}

func (c *Cloudflare) client(req engine.ActionRequest) (*cfClient, error) {
	name := req.Param("token_secret")
	if name == "" {
		name = defaultTokenSecret
	}
	if c.Secrets == nil {
		return nil, secretError(name, fmt.Errorf("no secret resolver configured"))
	}
	token, err := c.Secrets.Secret(req.Config, name)
	if err != nil {
		return nil, secretError(name, err)
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultCloudflareURL
	}
	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &cfClient{baseURL: strings.TrimRight(base, "/"), apiToken: token, httpClient: httpClient}, nil
}

// cfClient is a minimal Cloudflare API client.
type cfClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// cfRecord is a Cloudflare DNS record.
type cfRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

type apiResponse struct {
	Success    bool            `json:"success"`
	Errors     []apiError      `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo *resultInfo     `json:"result_info,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

type zoneResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// zoneID returns the ID of the named zone, or "" when it does not exist.
func (c *cfClient) zoneID(ctx context.Context, name string) (string, error) {
	var zones []zoneResult
	if _, err := c.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(name), nil, &zones); err != nil {
		return "", fmt.Errorf("get zone ID: %w", err)
	}
	if len(zones) == 0 {
		return "", nil
	}
	return zones[0].ID, nil
}

func (c *cfClient) requireZone(ctx context.Context, name string) (string, error) {
	id, err := c.zoneID(ctx, name)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", engine.NewFatalError(fmt.Sprintf("no zone found for domain %s", name), nil)
	}
	return id, nil
}

func (c *cfClient) ensureZone(ctx context.Context, name, accountID string) (string, error) {
	id, err := c.zoneID(ctx, name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return fmt.Sprintf("zone %s exists (%s)", name, id), nil
	}

	body := map[string]interface{}{"name": name, "type": "full", "jump_start": false}
	if accountID != "" {
		body["account"] = map[string]string{"id": accountID}
	}
	var zone zoneResult
	if _, err := c.do(ctx, http.MethodPost, "/zones", body, &zone); err != nil {
		return "", fmt.Errorf("create zone: %w", err)
	}
	return fmt.Sprintf("zone %s created (%s, %s)", name, zone.ID, zone.Status), nil
}

func (c *cfClient) setSSL(ctx context.Context, zone, mode string) (string, error) {
	if mode == "" {
		mode = "strict"
	}
	id, err := c.requireZone(ctx, zone)
	if err != nil {
		return "", err
	}
	if _, err := c.do(ctx, http.MethodPatch, "/zones/"+id+"/settings/ssl", map[string]string{"value": mode}, nil); err != nil {
		return "", fmt.Errorf("set ssl mode: %w", err)
	}
	return fmt.Sprintf("ssl mode for %s set to %s", zone, mode), nil
}

// listRecords returns all DNS records in the zone.
func (c *cfClient) listRecords(ctx context.Context, zoneID string) ([]cfRecord, error) {
	var all []cfRecord
	for page := 1; ; page++ {
		var records []cfRecord
		info, err := c.do(ctx, http.MethodGet,
			fmt.Sprintf("/zones/%s/dns_records?per_page=100&page=%d", zoneID, page), nil, &records)
		if err != nil {
			return nil, fmt.Errorf("list DNS records page %d: %w", page, err)
		}
		all = append(all, records...)
		if info == nil || page >= info.TotalPages {
			return all, nil
		}
	}
}

// upsertRecords creates missing records and updates drifted ones. A record
// matches an existing one with the same name and type; an address record
// replaces a CNAME of the same name and vice versa.
func (c *cfClient) upsertRecords(ctx context.Context, zone, raw string, logLine func(string)) (string, error) {
	var desired []config.DNSRecord
	if err := json.Unmarshal([]byte(raw), &desired); err != nil {
		return "", engine.NewFatalError("invalid records param", err).WithCode(engine.ErrCodeValidation)
	}
	id, err := c.requireZone(ctx, zone)
	if err != nil {
		return "", err
	}
	existing, err := c.listRecords(ctx, id)
	if err != nil {
		return "", err
	}

	var created, updated, unchanged int
	for _, d := range desired {
		want := cfRecord{Type: d.Type, Name: d.FQDN(zone), Content: d.Content, Proxied: d.Proxied, TTL: d.TTL}
		if want.TTL == 0 {
			want.TTL = 1
		}
		match := findRecord(existing, want)
		switch {
		case match == nil:
			if _, err := c.do(ctx, http.MethodPost, "/zones/"+id+"/dns_records", want, nil); err != nil {
				return "", fmt.Errorf("create %s %s: %w", want.Type, want.Name, err)
			}
			created++
			logf(logLine, "created %s %s -> %s", want.Type, want.Name, want.Content)
		case sameRecord(*match, want):
			unchanged++
		default:
			if _, err := c.do(ctx, http.MethodPut, "/zones/"+id+"/dns_records/"+match.ID, want, nil); err != nil {
				return "", fmt.Errorf("update %s %s: %w", want.Type, want.Name, err)
			}
			updated++
			logf(logLine, "updated %s %s -> %s", want.Type, want.Name, want.Content)
		}
	}
	return fmt.Sprintf("dns records for %s: %d created, %d updated, %d unchanged", zone, created, updated, unchanged), nil
}

func findRecord(existing []cfRecord, want cfRecord) *cfRecord {
	var conflict *cfRecord
	for i := range existing {
		r := &existing[i]
		if !strings.EqualFold(r.Name, want.Name) {
			continue
		}
		if r.Type == want.Type {
			return r
		}
		if conflict == nil && (r.Type == "CNAME" || want.Type == "CNAME") && r.Type != "TXT" && want.Type != "TXT" {
			conflict = r
		}
	}
	return conflict
}

func sameRecord(a, b cfRecord) bool {
	return a.Type == b.Type && a.Content == b.Content && a.Proxied == b.Proxied && (a.TTL == b.TTL || b.TTL == 1)
}

func logf(log func(string), format string, args ...interface{}) {
	if log != nil {
		log(fmt.Sprintf(format, args...))
	}
}

// do sends a request and decodes the result into out. API failures are
// classified: network errors, 429 and 5xx are transient, others fatal.
func (c *cfClient) do(ctx context.Context, method, path string, in, out interface{}) (*resultInfo, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, engine.NewFatalError("encode request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, engine.NewFatalError("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, engine.NewTransientError(method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, apiMessage(data))
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, engine.NewFatalError(fmt.Sprintf("parse response (status %d)", resp.StatusCode), err)
	}
	if !api.Success {
		return nil, engine.NewFatalError("API error: "+apiMessage(data), nil)
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return nil, engine.NewFatalError("parse result", err)
		}
	}
	return api.ResultInfo, nil
}

// apiMessage extracts the API error messages from a response body.
func apiMessage(data []byte) string {
	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil || len(api.Errors) == 0 {
		return strings.TrimSpace(string(data))
	}
	msgs := make([]string, len(api.Errors))
	for i, e := range api.Errors {
		msgs[i] = fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return strings.Join(msgs, "; ")
}
