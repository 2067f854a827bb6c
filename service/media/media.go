package media

import (
	"chatty/logger"
	"chatty/tools/errs"
	"context"
	"encoding/base64"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Uploader stores an image and returns the URL clients should load it from.
// src is either a data URL (data:image/png;base64,...) or an absolute http(s) URL, which is kept as-is.
type Uploader interface {
	Upload(ctx context.Context, src, folder string) (string, error)
}

type LocalConf struct {
	Dir       string // 落盘根目录
	URLPrefix string // 对外访问前缀，如 /media
	MaxBytes  int64  // 解码后的大小上限
}

func (c *LocalConf) norm() {
	if c.Dir == "" {
		c.Dir = "data/media"
	}
	if c.URLPrefix == "" {
		c.URLPrefix = "/media"
	}
	c.URLPrefix = "/" + strings.Trim(c.URLPrefix, "/")
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
}

// Local writes decoded images under Dir; the HTTP layer serves Dir at URLPrefix.
type Local struct {
	conf LocalConf
}

func NewLocal(conf LocalConf) (*Local, error) {
	conf.norm()
	if err := os.MkdirAll(conf.Dir, 0o755); err != nil {
		return nil, errs.WrapMsg(err, "create media dir", "dir", conf.Dir)
	}
	return &Local{conf: conf}, nil
}

func (l *Local) Dir() string       { return l.conf.Dir }
func (l *Local) URLPrefix() string { return l.conf.URLPrefix }

var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var unsafeSeg = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

func (l *Local) Upload(ctx context.Context, src, folder string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(err)
	}
	src = strings.TrimSpace(src)
	if src == "" {
		return "", errs.ErrArgs.WrapMsg("empty image")
	}
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src, nil
	}
	mime, data, err := decodeDataURL(src)
	if err != nil {
		return "", err
	}
	ext, ok := extByMime[mime]
	if !ok {
		return "", errs.ErrArgs.WrapMsg("unsupported image type", "mime", mime)
	}
	if int64(len(data)) > l.conf.MaxBytes {
		return "", errs.ErrArgs.WrapMsg("image too large", "size", len(data), "max", l.conf.MaxBytes)
	}

	rel := cleanFolder(folder)
	dir := filepath.Join(l.conf.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.WrapMsg(err, "create media folder", "dir", dir)
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", errs.WrapMsg(err, "write media", "dir", dir)
	}
	url := path.Join(l.conf.URLPrefix, rel, name)
	logger.Debug("[Media] stored", zap.String("url", url), zap.Int("bytes", len(data)))
	return url, nil
}

// decodeDataURL accepts only base64 payloads: data:<mime>;base64,<payload>
func decodeDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, errs.ErrArgs.WrapMsg("image must be a data URL or http(s) URL")
	}
	head, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, errs.ErrArgs.WrapMsg("malformed data URL")
	}
	mime, enc, _ := strings.Cut(head, ";")
	if !strings.EqualFold(enc, "base64") {
		return "", nil, errs.ErrArgs.WrapMsg("data URL must be base64", "encoding", enc)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errs.ErrArgs.WrapMsg("bad base64 payload")
	}
	return strings.ToLower(strings.TrimSpace(mime)), data, nil
}

// 每段只保留安全字符，杜绝 ../ 逃逸
func cleanFolder(folder string) string {
	var segs []string
	for _, seg := range strings.Split(folder, "/") {
		seg = unsafeSeg.ReplaceAllString(seg, "_")
		if seg = strings.Trim(seg, "_"); seg != "" {
			segs = append(segs, seg)
		}
	}
	return strings.Join(segs, "/")
}
