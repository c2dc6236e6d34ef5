package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"sharedrop/internal/files"
)

// MemoryStore is an in-process stand-in for an object store. It signs
// URLs with an HMAC so they look and expire like real presigned URLs, and
// it holds only object sizes, never bytes. Tests use Put to simulate a
// client upload.
type MemoryStore struct {
	bucket string
	secret []byte
	now    func() time.Time

	mu      sync.Mutex
	objects map[string]files.ObjectInfo
	signErr error
	onHead  func(ctx context.Context, locator string) error
}

func NewMemory(bucket, secret string) *MemoryStore {
	if bucket == "" {
		bucket = "sharedrop"
	}
	if secret == "" {
		secret = "memory"
	}
	return &MemoryStore{
		bucket:  bucket,
		secret:  []byte(secret),
		now:     time.Now,
		objects: make(map[string]files.ObjectInfo),
	}
}

// Put records an object as stored.
func (m *MemoryStore) Put(locator string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[locator] = files.ObjectInfo{Size: size, ETag: m.sign("etag", locator, 0)[:32]}
}

// Remove forgets an object.
func (m *MemoryStore) Remove(locator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, locator)
}

// FailSigning makes every subsequent SignPut and SignGet return err.
// A nil err restores normal behaviour.
func (m *MemoryStore) FailSigning(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signErr = err
}

// OnHead installs a hook run before every HeadObject. A non-nil error from
// the hook is returned as the probe result.
func (m *MemoryStore) OnHead(fn func(ctx context.Context, locator string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHead = fn
}

func (m *MemoryStore) SignPut(_ context.Context, locator, contentType string, ttl time.Duration) (string, error) {
	return m.signURL("PUT", locator, contentType, ttl)
}

func (m *MemoryStore) SignGet(_ context.Context, locator string, ttl time.Duration) (string, error) {
	return m.signURL("GET", locator, "", ttl)
}

func (m *MemoryStore) signURL(method, locator, contentType string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	err := m.signErr
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	exp := m.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("X-Method", method)
	q.Set("X-Expires", strconv.FormatInt(exp, 10))
	if contentType != "" {
		q.Set("X-Content-Type", contentType)
	}
	q.Set("X-Signature", m.sign(method+"\n"+contentType, locator, exp))

	u := url.URL{Scheme: "memory", Host: m.bucket, Path: "/" + locator, RawQuery: q.Encode()}
	return u.String(), nil
}

// Verify checks a URL produced by this store for method at the current time.
func (m *MemoryStore) Verify(rawURL, method string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := u.Query()
	if q.Get("X-Method") != method {
		return fmt.Errorf("url is not valid for %s", method)
	}
	exp, err := strconv.ParseInt(q.Get("X-Expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("bad expiry: %w", err)
	}
	if m.now().Unix() > exp {
		return fmt.Errorf("url expired")
	}
	locator := u.Path
	if len(locator) > 0 && locator[0] == '/' {
		locator = locator[1:]
	}
	want := m.sign(method+"\n"+q.Get("X-Content-Type"), locator, exp)
	if !hmac.Equal([]byte(want), []byte(q.Get("X-Signature"))) {
		return fmt.Errorf("bad signature")
	}
	return nil
}

func (m *MemoryStore) sign(prefix, locator string, exp int64) string {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s\n%s/%s\n%d", prefix, m.bucket, locator, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MemoryStore) HeadObject(ctx context.Context, locator string) (files.ObjectInfo, error) {
	m.mu.Lock()
	hook := m.onHead
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, locator); err != nil {
			return files.ObjectInfo{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.objects[locator]
	if !ok {
		return files.ObjectInfo{}, fmt.Errorf("%s: %w", locator, files.ErrObjectMissing)
	}
	return info, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }
