package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"imghost/internal/server/database"
	"imghost/internal/server/policy"
	"imghost/internal/server/storage"
)

// configSource is an in-memory policy store.
type configSource struct {
	mu     sync.Mutex
	values map[string]string
}

func newConfigSource(values map[string]string) *configSource {
	if values == nil {
		values = map[string]string{}
	}
	return &configSource{values: values}
}

func (c *configSource) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *configSource) All(_ context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

func (c *configSource) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

// fakeImages is an in-memory image repository and view store.
type fakeImages struct {
	mu        sync.Mutex
	images    map[int64]*database.Image
	nextID    int64
	usage     database.Usage
	userUsage map[int64]database.Usage
	createErr error
	viewsErr  error
	stats     []int64
	views     map[string]int
	deltas    []database.ViewDelta
}

func newFakeImages() *fakeImages {
	return &fakeImages{
		images: make(map[int64]*database.Image),
		views:  make(map[string]int),
	}
}

func (f *fakeImages) UsageByUser(_ context.Context, userID int64) (*database.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.userUsage[userID]
	if !ok {
		u = f.usage
	}
	return &u, nil
}

func (f *fakeImages) FilenamesByUser(_ context.Context, userID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, img := range f.images {
		if img.UserID != nil && *img.UserID == userID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = f.images[id].Filename
	}
	return names, nil
}

func (f *fakeImages) DeleteByUser(_ context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, img := range f.images {
		if img.UserID != nil && *img.UserID == userID {
			delete(f.images, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeImages) Create(_ context.Context, img *database.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	img.ID = f.nextID
	img.UploadTime = time.Now().UTC()
	f.images[img.ID] = img
	return nil
}

func (f *fakeImages) CreateStats(_ context.Context, imageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, imageID)
	return nil
}

func (f *fakeImages) GetByID(_ context.Context, id int64) (*database.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return img, nil
}

func (f *fakeImages) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.images, id)
	return nil
}

func (f *fakeImages) AddViews(_ context.Context, filename string, d database.ViewDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewsErr != nil {
		return f.viewsErr
	}
	f.views[filename] += d.Count
	f.deltas = append(f.deltas, d)
	return nil
}

func (f *fakeImages) persistedViews(filename string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.views[filename]
}

// passTx runs f without a real transaction.
type passTx struct{}

func (passTx) WithinTransaction(ctx context.Context, f func(ctx context.Context) error) error {
	return f(ctx)
}

type fixture struct {
	fs     afero.Fs
	store  *storage.FileSystemStore
	images *fakeImages
	config *configSource
	ingest *IngestService
	upload *UploadService
	views  *ViewCounter
}

func newFixture(t *testing.T, config map[string]string) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	store := storage.NewStoreWithFs(fs)
	images := newFakeImages()
	src := newConfigSource(config)
	ingest := NewIngestService(images, policy.NewResolver(src), store)
	views := NewViewCounter(images)
	return &fixture{
		fs:     fs,
		store:  store,
		images: images,
		config: src,
		ingest: ingest,
		upload: NewUploadService(ingest, images, passTx{}, store, views, "https://img.example.com/"),
		views:  views,
	}
}

func (f *fixture) storedFiles(t *testing.T) []string {
	t.Helper()
	files, err := f.store.List()
	if err != nil {
		t.Fatalf("failed to list store: %v", err)
	}
	names := make([]string, len(files))
	for i, fi := range files {
		names[i] = fi.Name()
	}
	return names
}

func (f *fixture) readStored(t *testing.T, name string) []byte {
	t.Helper()
	b, err := afero.ReadFile(f.fs, "/"+name)
	if err != nil {
		t.Fatalf("failed to read stored %s: %v", name, err)
	}
	return b
}

func testUser(id int64) *database.User {
	return &database.User{ID: id, Username: "user", Role: database.RoleUser, IsActive: true}
}

func noisyImage(w, h int) *image.NRGBA {
	r := rand.New(rand.NewPCG(1, 2))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.IntN(256))
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, noisyImage(w, h)); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, noisyImage(w, h), &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func gifBytes(t *testing.T, frames int) []byte {
	t.Helper()
	pal := color.Palette{color.Black, color.White}
	g := &gif.GIF{LoopCount: 0}
	for i := 0; i < frames; i++ {
		p := image.NewPaletted(image.Rect(0, 0, 8, 8), pal)
		p.SetColorIndex(i%8, i%8, 1)
		g.Image = append(g.Image, p)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		t.Fatalf("failed to encode gif: %v", err)
	}
	return buf.Bytes()
}

func pngChunk(typ string, data []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(data)))
	buf.WriteString(typ)
	buf.Write(data)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(append([]byte(typ), data...)))
	return buf.Bytes()
}

// withPNGChunk inserts a chunk right after IHDR, which always ends at byte 33.
func withPNGChunk(data []byte, typ string, payload []byte) []byte {
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	out := append([]byte{}, data[:ihdrEnd]...)
	out = append(out, pngChunk(typ, payload)...)
	return append(out, data[ihdrEnd:]...)
}

// pngHeaderOnly is a PNG declaring w x h 1-bit gray pixels with no image data.
func pngHeaderOnly(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 1
	out := []byte("\x89PNG\r\n\x1a\n")
	out = append(out, pngChunk("IHDR", ihdr)...)
	return append(out, pngChunk("IEND", nil)...)
}
