// Package config owns the on-disk routing configuration: its JSON schema,
// validation, default-document bootstrap, and write-rename persistence.
package config

// Document is the root of the on-disk configuration file.
//
//	{
//	  "email": "ops@example.com",
//	  "cache_dir": "/var/lib/minipx/acme",
//	  "routes": { "api.example.com": { ... } }
//	}
//
// Unknown top-level or route-level fields are rejected at decode time.
type Document struct {
	Email    string                 `json:"email"`
	CacheDir string                 `json:"cache_dir"`
	Routes   map[string]*RouteEntry `json:"routes"`
}

// RouteEntry is one entry of Document.Routes, keyed by its route key (a
// literal host or a leftmost-label wildcard such as "*.example.com").
type RouteEntry struct {
	Host            string          `json:"host"`
	Path            string          `json:"path"`
	Port            int             `json:"port"`
	SSLEnable       bool            `json:"ssl_enable"`
	ListenPort      *int            `json:"listen_port"`
	RedirectToHTTPS bool            `json:"redirect_to_https"`
	Subroutes       []SubrouteEntry `json:"subroutes"`
}

// SubrouteEntry is a single (path_prefix, backend_port) override.
type SubrouteEntry struct {
	Path string `json:"path"`
	Port int    `json:"port"`
}

// clone returns a deep copy of the document so mutations on the store's
// working copy never alias a snapshot already handed to a reader.
func (d *Document) clone() *Document {
	out := &Document{
		Email:    d.Email,
		CacheDir: d.CacheDir,
		Routes:   make(map[string]*RouteEntry, len(d.Routes)),
	}
	for k, r := range d.Routes {
		rc := *r
		if r.ListenPort != nil {
			lp := *r.ListenPort
			rc.ListenPort = &lp
		}
		rc.Subroutes = append([]SubrouteEntry(nil), r.Subroutes...)
		out.Routes[k] = &rc
	}
	return out
}
