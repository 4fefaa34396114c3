//go:build libnfc

package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"
	"go.uber.org/zap"
)

// Ultralight user memory starts at page 4; the identifier occupies four
// pages.
const (
	idFirstPage = 4
	idPages     = MaxIDLength / 4
)

const waitPollInterval = 100 * time.Millisecond

// LibNFC reads and provisions MIFARE Ultralight / NTAG tags through libnfc.
// Tags without a stored identifier report their UID instead.
type LibNFC struct {
	mu  sync.Mutex
	dev nfc.Device
	log *zap.Logger
}

// OpenLibNFC opens the reader at connstring ("" picks the first one found)
// and puts it in initiator mode.
func OpenLibNFC(connstring string, log *zap.Logger) (Reader, error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: initiator init: %v", ErrNoDevice, err)
	}
	log.Info("nfc reader opened", zap.String("device", dev.String()), zap.String("connection", dev.Connection()))
	return &LibNFC{dev: dev, log: log}, nil
}

func (l *LibNFC) Poll(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tag, err := l.currentTag()
	if err != nil {
		return "", err
	}
	return l.readID(tag)
}

func (l *LibNFC) WaitForTag(ctx context.Context) (string, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		id, err := l.Poll(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNoTag) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *LibNFC) WriteID(ctx context.Context, id string) error {
	data, err := encodeID(id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tag, err := l.currentTag()
	if err != nil {
		return err
	}
	ul, ok := tag.(freefare.UltralightTag)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedTag, tag)
	}
	if err := ul.Connect(); err != nil {
		return fmt.Errorf("connect tag %s: %w", ul.UID(), err)
	}
	defer ul.Disconnect()

	for i := 0; i < idPages; i++ {
		var page [4]byte
		copy(page[:], data[i*4:(i+1)*4])
		if err := ul.WritePage(byte(idFirstPage+i), page); err != nil {
			return fmt.Errorf("write page %d: %w", idFirstPage+i, err)
		}
	}

	// Read back so a tag pulled away mid-write is reported as a failure.
	got, err := readPages(ul)
	if err != nil {
		return fmt.Errorf("verify write: %w", err)
	}
	if decodeID(got) != id {
		return fmt.Errorf("verify write: tag holds %q", decodeID(got))
	}
	return nil
}

func (l *LibNFC) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dev == nil {
		return nil
	}
	err := l.dev.Close()
	l.dev = nil
	return err
}

func (l *LibNFC) currentTag() (freefare.Tag, error) {
	if l.dev == nil {
		return nil, ErrClosed
	}
	tags, err := freefare.GetTags(l.dev)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, ErrNoTag
	}
	return tags[0], nil
}

func (l *LibNFC) readID(tag freefare.Tag) (string, error) {
	uid := strings.ToLower(tag.UID())
	ul, ok := tag.(freefare.UltralightTag)
	if !ok {
		return uid, nil
	}
	if err := ul.Connect(); err != nil {
		return "", fmt.Errorf("connect tag %s: %w", uid, err)
	}
	defer ul.Disconnect()

	raw, err := readPages(ul)
	if err != nil {
		l.log.Debug("tag memory unreadable, using uid", zap.String("uid", uid), zap.Error(err))
		return uid, nil
	}
	if id := decodeID(raw); id != "" {
		return id, nil
	}
	return uid, nil
}

func readPages(ul freefare.UltralightTag) ([]byte, error) {
	raw := make([]byte, 0, MaxIDLength)
	for i := 0; i < idPages; i++ {
		page, err := ul.ReadPage(byte(idFirstPage + i))
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", idFirstPage+i, err)
		}
		raw = append(raw, page[:]...)
	}
	return raw, nil
}
