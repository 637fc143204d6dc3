package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// StoredCookie is one session cookie as kept on disk.
type StoredCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

// SessionStorage represents the saved session for a specific server
type SessionStorage struct {
	Host      string         `json:"host"`
	Cookies   []StoredCookie `json:"cookies"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionStorageMap manages sessions for multiple servers
type SessionStorageMap struct {
	Sessions map[string]*SessionStorage `json:"sessions"` // key = server host
}

var errNoSession = errors.New("no stored session")

func newSessionStorage(host string, cookies []*http.Cookie) *SessionStorage {
	s := &SessionStorage{Host: host, UpdatedAt: time.Now()}
	for _, c := range cookies {
		s.Cookies = append(s.Cookies, StoredCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return s
}

// httpCookies converts the stored cookies for the cookie jar, keeping their
// scope. Cookies saved without a path apply to the whole host; expired
// cookies are skipped.
func (s *SessionStorage) httpCookies() []*http.Cookie {
	now := time.Now()
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return cookies
}

// loadSession loads the session for host from file
func loadSession(file, host string) (*SessionStorage, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNoSession
		}
		return nil, err
	}

	var storageMap SessionStorageMap
	if err := json.Unmarshal(data, &storageMap); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	storage, ok := storageMap.Sessions[host]
	if !ok || len(storage.Cookies) == 0 {
		return nil, fmt.Errorf("%w for host: %s", errNoSession, host)
	}
	return storage, nil
}

// saveSession merges storage into file, keeping the sessions of other hosts.
// An empty cookie list removes the host's entry.
func saveSession(file string, storage *SessionStorage) error {
	return withFileLock(file, func() error {
		// Load existing map inside the lock
		var storageMap SessionStorageMap
		if existing, err := os.ReadFile(file); err == nil {
			// A corrupt file is replaced
			_ = json.Unmarshal(existing, &storageMap)
		}
		if storageMap.Sessions == nil {
			storageMap.Sessions = make(map[string]*SessionStorage)
		}

		if len(storage.Cookies) == 0 {
			delete(storageMap.Sessions, storage.Host)
		} else {
			storageMap.Sessions[storage.Host] = storage
		}

		data, err := json.MarshalIndent(storageMap, "", "  ")
		if err != nil {
			return err
		}
		return writeFileAtomic(file, data)
	})
}

// writeFileAtomic writes through a temp file and a rename.
func writeFileAtomic(file string, data []byte) error {
	tempFile := file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, file); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
