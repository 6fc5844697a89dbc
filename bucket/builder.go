package bucket

import (
	"context"
	"net/url"

	"github.com/qiniu/go-upload-sdk/auth"
	"github.com/qiniu/go-upload-sdk/httpclient"
	"github.com/qiniu/go-upload-sdk/region"
)

// Builder configures a Bucket before Build freezes it into an immutable
// handle (§4.F). region() calls are ordinal: the first sets the primary,
// subsequent calls append backups. The builder is reusable via Reset.
type Builder struct {
	name   string
	cred   *auth.Credential
	client *httpclient.Client

	ucURL, apiURL, rsURL string
	useHTTPS             bool

	primary       region.Region
	backups       []region.Region
	hasRegion     bool
	prependDomains []string

	autoDetectRegion  bool
	autoDetectDomains bool
}

// NewBuilder starts a Builder for bucket name, signed by cred.
func NewBuilder(name string, cred *auth.Credential, client *httpclient.Client) *Builder {
	return &Builder{
		name:     name,
		cred:     cred,
		client:   client,
		ucURL:    "https://uc.qiniuapi.com",
		apiURL:   "https://api.qiniuapi.com",
		useHTTPS: true,
	}
}

// Reset reinitializes the builder for a different bucket name, reusing
// its client/credential/config (§4.F: "the builder is reusable via reset(name)").
func (b *Builder) Reset(name string) *Builder {
	cred, client := b.cred, b.client
	ucURL, apiURL, rsURL, useHTTPS := b.ucURL, b.apiURL, b.rsURL, b.useHTTPS
	*b = Builder{name: name, cred: cred, client: client, ucURL: ucURL, apiURL: apiURL, rsURL: rsURL, useHTTPS: useHTTPS}
	return b
}

func (b *Builder) UCURL(u string) *Builder  { b.ucURL = u; return b }
func (b *Builder) APIURL(u string) *Builder { b.apiURL = u; return b }
func (b *Builder) RSURL(u string) *Builder  { b.rsURL = u; return b }
func (b *Builder) UseHTTPS(v bool) *Builder { b.useHTTPS = v; return b }

// Region sets the primary region on first call, appends a backup on
// subsequent calls.
func (b *Builder) Region(r region.Region) *Builder {
	if !b.hasRegion {
		b.primary, b.hasRegion = r, true
		return b
	}
	b.backups = append(b.backups, r)
	return b
}

// PrependDomain validates raw as a parseable URL and inserts it at the
// front of the eventual domain list.
func (b *Builder) PrependDomain(raw string) (*Builder, error) {
	if _, err := url.Parse(raw); err != nil {
		return b, Class.Wrap(err)
	}
	b.prependDomains = append([]string{raw}, b.prependDomains...)
	return b, nil
}

// AutoDetectRegion eagerly populates region(s) from §4.D at Build time.
func (b *Builder) AutoDetectRegion() *Builder { b.autoDetectRegion = true; return b }

// AutoDetectDomains eagerly populates domains from §4.E at Build time.
func (b *Builder) AutoDetectDomains() *Builder { b.autoDetectDomains = true; return b }

// Build freezes the builder into an immutable Bucket handle.
func (b *Builder) Build(ctx context.Context) (*Bucket, error) {
	bkt := &Bucket{
		name:          b.name,
		cred:          b.cred,
		client:        b.client,
		ucURL:         b.ucURL,
		apiURL:        b.apiURL,
		rsURL:         b.rsURL,
		useHTTPS:      b.useHTTPS,
		primaryRegion: b.primary,
		backupRegions: append([]region.Region(nil), b.backups...),
		hasRegion:     b.hasRegion,
	}

	if b.autoDetectRegion {
		if _, err := bkt.Regions(ctx); err != nil {
			return nil, err
		}
	}
	if b.autoDetectDomains {
		if _, err := bkt.Domains(ctx); err != nil {
			return nil, err
		}
	}
	if len(b.prependDomains) > 0 {
		existing, err := bkt.Domains(ctx)
		if err != nil {
			existing = nil
		}
		bkt.domainsCell = cell[[]string]{ready: true, value: append(append([]string{}, b.prependDomains...), existing...)}
	}
	return bkt, nil
}
