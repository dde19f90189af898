package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"homedash/internal/config"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

// ErrPersist marks a failed write of the dashboard document. The in-memory
// change it carried must not be treated as saved.
var ErrPersist = errors.New("store: persist failed")

// Tokens is the OAuth token bundle as kept in the document. ExpiryDate is
// milliseconds since the Unix epoch.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
}

type WeatherLocation struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name"`
}

// RefreshIntervals are widget refresh periods in minutes.
type RefreshIntervals struct {
	Calendar int `json:"calendar"`
	Photos   int `json:"photos"`
	Weather  int `json:"weather"`
	Metar    int `json:"metar"`
}

// Document is the typed view of the dashboard JSON document.
type Document struct {
	Theme              string                `json:"theme,omitempty"`
	BackgroundImageURL string                `json:"backgroundImageUrl,omitempty"`
	CalendarIDs        []string              `json:"calendarIds"`
	ICalURLs           []string              `json:"icalUrls,omitempty"`
	PhotoAlbumIDs      []string              `json:"photoAlbumIds"`
	SelectedPhotos     []model.SelectedPhoto `json:"selectedPhotos"`
	WeatherLocation    WeatherLocation       `json:"weatherLocation"`
	MetarStation       string                `json:"metarStation"`
	RefreshIntervals   RefreshIntervals      `json:"refreshIntervals"`
	GoogleTokens       *Tokens               `json:"googleTokens,omitempty"`
	ReloadRequested    bool                  `json:"reloadRequested,omitempty"`
}

// knownKeys lists the top-level keys owned by Document. Keys outside this
// set are carried through writes untouched.
var knownKeys = []string{
	"theme", "backgroundImageUrl", "calendarIds", "icalUrls", "photoAlbumIds",
	"selectedPhotos", "weatherLocation", "metarStation", "refreshIntervals",
	"googleTokens", "reloadRequested",
}

// DefaultDocument returns the document written on first run.
func DefaultDocument() *Document {
	return &Document{
		CalendarIDs:    []string{},
		PhotoAlbumIDs:  []string{},
		SelectedPhotos: []model.SelectedPhoto{},
		WeatherLocation: WeatherLocation{
			Lat:  42.3601,
			Lon:  -71.0589,
			Name: "Boston, MA",
		},
		MetarStation: "KBOS",
		RefreshIntervals: RefreshIntervals{
			Calendar: 15,
			Photos:   60,
			Weather:  30,
			Metar:    15,
		},
	}
}

// Sources derives the calendar sources from the document. calendarIds
// entries shaped like URLs are feeds; icalUrls are always feeds. Order is
// calendarIds first, then icalUrls.
func (d *Document) Sources() []model.CalendarSource {
	out := make([]model.CalendarSource, 0, len(d.CalendarIDs)+len(d.ICalURLs))
	for _, id := range d.CalendarIDs {
		if id == "" {
			continue
		}
		if model.IsFeedURL(id) {
			out = append(out, model.FeedSource(id))
			continue
		}
		out = append(out, model.APISource(id))
	}
	for _, u := range d.ICalURLs {
		if u == "" {
			continue
		}
		out = append(out, model.FeedSource(u))
	}
	return out
}

type rawDoc map[string]json.RawMessage

// Store owns the dashboard document. Every mutation runs under one lock and
// re-reads the file first, so concurrent writers merge instead of clobbering
// each other.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Read returns the current document merged over defaults.
func (s *Store) Read() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.load()
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Raw returns the merged document as generic JSON, unknown keys included.
func (s *Store) Raw() (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.load()
	if err != nil {
		return nil, err
	}
	merged, err := withDefaults(raw)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Merge shallow-merges top-level keys of patch into the latest document.
// A JSON null removes the key.
func (s *Store) Merge(patch map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.load()
	if err != nil {
		return err
	}
	for k, v := range patch {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			delete(raw, k)
			continue
		}
		raw[k] = v
	}
	if _, err := decode(raw); err != nil {
		return fmt.Errorf("store: invalid patch: %w", err)
	}
	return s.save(raw)
}

// Update runs fn against the typed document and writes the result back,
// preserving keys the typed view does not know about.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.load()
	if err != nil {
		return err
	}
	doc, err := decode(raw)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var typed rawDoc
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	for _, k := range knownKeys {
		if v, ok := typed[k]; ok {
			raw[k] = v
		} else {
			delete(raw, k)
		}
	}
	return s.save(raw)
}

// Delete removes top-level keys from the document.
func (s *Store) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.load()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(raw, k)
	}
	return s.save(raw)
}

// Tokens returns the stored OAuth bundle, or nil when none is stored.
func (s *Store) Tokens() (*Tokens, error) {
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	if doc.GoogleTokens == nil || doc.GoogleTokens.AccessToken == "" {
		return nil, nil
	}
	t := *doc.GoogleTokens
	return &t, nil
}

// SaveTokens replaces the stored OAuth bundle.
func (s *Store) SaveTokens(t *Tokens) error {
	return s.Update(func(doc *Document) error {
		doc.GoogleTokens = t
		return nil
	})
}

// ClearTokens removes the stored OAuth bundle.
func (s *Store) ClearTokens() error {
	return s.Delete("googleTokens")
}

// SaveSelectedPhotos replaces the previous selection wholesale.
func (s *Store) SaveSelectedPhotos(photos []model.SelectedPhoto) error {
	if photos == nil {
		photos = []model.SelectedPhoto{}
	}
	return s.Update(func(doc *Document) error {
		doc.SelectedPhotos = photos
		return nil
	})
}

// load reads the file. A missing, empty or malformed file is replaced with
// the defaults so the dashboard keeps running.
func (s *Store) load() (rawDoc, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.initialize()
		}
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s.initialize()
	}

	raw := rawDoc{}
	if err := json.Unmarshal(data, &raw); err != nil {
		appLog.Error("dashboard document is not valid JSON; resetting to defaults", err, "path", s.path)
		return s.initialize()
	}
	return raw, nil
}

func (s *Store) initialize() (rawDoc, error) {
	raw, err := toRaw(DefaultDocument())
	if err != nil {
		return nil, err
	}
	if err := s.save(raw); err != nil {
		// Keep serving defaults; the next successful write creates the file.
		appLog.Error("failed to initialize dashboard document", err, "path", s.path)
	}
	return raw, nil
}

func (s *Store) save(raw rawDoc) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := config.WriteFileAtomic(s.path, data, ".homedash-doc-*.tmp"); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func withDefaults(raw rawDoc) (rawDoc, error) {
	merged, err := toRaw(DefaultDocument())
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		merged[k] = v
	}
	return merged, nil
}

func decode(raw rawDoc) (*Document, error) {
	merged, err := withDefaults(raw)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func toRaw(doc *Document) (rawDoc, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	raw := rawDoc{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
