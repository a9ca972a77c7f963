package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
)

// acmeIssuer is the default Issuer, talking to a real ACME v2 directory
// via golang.org/x/crypto/acme — the low-level protocol client that
// golang.org/x/crypto/acme/autocert itself builds on. minipx owns the
// per-host state machine (state.go/manager.go) instead of handing the
// whole lifecycle to autocert's black-box Manager.
type acmeIssuer struct {
	client   *acme.Client
	email    string
	cacheDir string

	registerOnce sync.Once
	registerErr  error
}

func newACMEIssuer(directoryURL, email, cacheDir string) (*acmeIssuer, error) {
	key, err := loadOrCreateAccountKey(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("load acme account key: %w", err)
	}
	return &acmeIssuer{
		client:   &acme.Client{Key: key, DirectoryURL: directoryURL},
		email:    email,
		cacheDir: cacheDir,
	}, nil
}

func (i *acmeIssuer) ensureAccount(ctx context.Context) error {
	i.registerOnce.Do(func() {
		acct := &acme.Account{Contact: []string{"mailto:" + i.email}}
		_, err := i.client.Register(ctx, acct, acme.AcceptTOS)
		if err != nil {
			if ae, ok := err.(*acme.Error); ok && ae.StatusCode == 409 {
				// Account already registered under this key.
				return
			}
			i.registerErr = fmt.Errorf("register acme account: %w", err)
		}
	})
	return i.registerErr
}

// Issue places a single-identifier order for host, answers its
// TLS-ALPN-01 challenge, waits for validation, finalizes the order, and
// returns the resulting certificate. publish is invoked with the
// challenge certificate while validation is pending and with nil once
// it's no longer needed.
func (i *acmeIssuer) Issue(ctx context.Context, host string, publish func(*tls.Certificate)) (*tls.Certificate, time.Time, error) {
	if err := i.ensureAccount(ctx); err != nil {
		return nil, time.Time{}, err
	}

	order, err := i.client.AuthorizeOrder(ctx, acme.DomainIDs(host))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("authorize order for %s: %w", host, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := i.completeAuthorization(ctx, host, authzURL, publish); err != nil {
			return nil, time.Time{}, err
		}
	}

	order, err = i.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("wait order for %s: %w", host, err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate leaf key for %s: %w", host, err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: host},
		DNSNames: []string{host},
	}, leafKey)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("create csr for %s: %w", host, err)
	}

	der, _, err := i.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("finalize order for %s: %w", host, err)
	}

	if err := saveCertificate(i.cacheDir, host, der, leafKey); err != nil {
		return nil, time.Time{}, err
	}

	cert := &tls.Certificate{Certificate: der, PrivateKey: leafKey}
	leaf, err := parseLeaf(cert)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse issued certificate for %s: %w", host, err)
	}
	cert.Leaf = leaf

	return cert, leaf.NotAfter, nil
}

func (i *acmeIssuer) completeAuthorization(ctx context.Context, host, authzURL string, publish func(*tls.Certificate)) error {
	authz, err := i.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization for %s: %w", host, err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "tls-alpn-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no tls-alpn-01 challenge offered for %s", host)
	}

	challengeCert, err := i.client.TLSALPN01ChallengeCert(chal.Token, host)
	if err != nil {
		return fmt.Errorf("build tls-alpn-01 challenge cert for %s: %w", host, err)
	}
	publish(&challengeCert)
	defer publish(nil)

	if _, err := i.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept tls-alpn-01 challenge for %s: %w", host, err)
	}
	if _, err := i.client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("wait authorization for %s: %w", host, err)
	}
	return nil
}
