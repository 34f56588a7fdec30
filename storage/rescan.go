package storage

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cppla/imghost/media"
	"github.com/cppla/imghost/models"
	"github.com/cppla/imghost/utils"
)

// LoadExisting indexes image files already present in the blob directory, giving each a
// fresh id and short ID. Files that cannot be probed are logged and skipped.
func LoadExisting(ctx context.Context, store *MemoryStore, blobs *FSBlobStore) (int, error) {
	log := store.opts.Logger
	entries, err := afero.ReadDir(blobs.Fs(), blobs.Dir())
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, fi := range entries {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		name := fi.Name()
		mime, ok := media.TypeForExtension(filepath.Ext(name))
		if !ok {
			continue
		}

		in := models.NewImage{
			Filename:     name,
			OriginalName: OriginalNameFromKey(name),
			MimeType:     mime,
			Size:         fi.Size(),
		}
		if w, h, err := probeFile(blobs, name); err != nil {
			log.Warn("probe existing image failed", zap.String("filename", name), zap.Error(err))
		} else {
			in.Width, in.Height = models.IntPtr(w), models.IntPtr(h)
		}

		shortID, err := utils.UniqueShortID(ctx, store.ShortIDExists)
		if err != nil {
			return loaded, err
		}
		in.ShortID = shortID
		if _, err := store.insert(in, fi.ModTime(), nil); err != nil {
			log.Warn("index existing image failed", zap.String("filename", name), zap.Error(err))
			continue
		}
		loaded++
	}
	if loaded > 0 {
		log.Info("loaded existing images from upload dir", zap.Int("count", loaded), zap.String("dir", blobs.Dir()))
	}
	return loaded, nil
}

// OriginalNameFromKey recovers the display name from a "<prefix>-<millis>-<rest>.<ext>" key.
func OriginalNameFromKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) < 3 {
		return key
	}
	ext := filepath.Ext(key)
	rest := strings.TrimSuffix(strings.Join(parts[2:], "-"), ext)
	if rest == "" {
		return key
	}
	return rest + ext
}

func probeFile(blobs *FSBlobStore, name string) (int, int, error) {
	f, err := blobs.Fs().Open(filepath.Join(blobs.Dir(), name))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return media.Dimensions(f)
}
