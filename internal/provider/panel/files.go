package panel

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type fileEntry struct {
	Name string `json:"name"`
}

func (c *Client) files(uid string) string { return "/api/client/servers/" + uid + "/files" }

func (c *Client) listRoot(ctx context.Context, uid string) ([]string, error) {
	var out list[fileEntry]
	q := url.Values{"directory": {"/"}}
	if err := c.client.Do(ctx, http.MethodGet, c.files(uid)+"/list?"+q.Encode(), nil, &out); err != nil {
		return nil, errors.Wrapf(err, "list files of %s", uid)
	}
	names := make([]string, 0, len(out.Data))
	for _, o := range out.Data {
		names = append(names, o.Attributes.Name)
	}
	return names, nil
}

// TransferFiles copies the whole volume of sourceUID into targetUID: the
// source is archived, the target pulls the archive through a signed URL and
// unpacks it, and both copies of the archive are removed.
func (c *Client) TransferFiles(ctx context.Context, sourceUID, targetUID string) error {
	names, err := c.listRoot(ctx, sourceUID)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		c.log.Info("nothing to transfer", zap.String("source", sourceUID))
		return nil
	}

	var archive object[fileEntry]
	compress := map[string]any{"root": "/", "files": names}
	if err := c.client.Do(ctx, http.MethodPost, c.files(sourceUID)+"/compress", compress, &archive); err != nil {
		return errors.Wrapf(err, "compress files of %s", sourceUID)
	}
	name := archive.Attributes.Name
	defer c.removeArchive(ctx, sourceUID, name)

	var signed object[struct {
		URL string `json:"url"`
	}]
	q := url.Values{"file": {"/" + name}}
	if err := c.client.Do(ctx, http.MethodGet, c.files(sourceUID)+"/download?"+q.Encode(), nil, &signed); err != nil {
		return errors.Wrapf(err, "sign download of %s", name)
	}

	pull := map[string]any{"url": signed.Attributes.URL, "directory": "/"}
	if err := c.client.Do(ctx, http.MethodPost, c.files(targetUID)+"/pull", pull, nil); err != nil {
		return errors.Wrapf(err, "pull %s into %s", name, targetUID)
	}
	defer c.removeArchive(ctx, targetUID, name)
	if err := c.waitForFile(ctx, targetUID, name); err != nil {
		return err
	}

	decompress := map[string]any{"root": "/", "file": name}
	if err := c.client.Do(ctx, http.MethodPost, c.files(targetUID)+"/decompress", decompress, nil); err != nil {
		return errors.Wrapf(err, "decompress %s on %s", name, targetUID)
	}
	c.log.Info("files transferred",
		zap.String("source", sourceUID),
		zap.String("target", targetUID),
		zap.Int("entries", len(names)))
	return nil
}

// waitForFile polls until a pulled file shows up; pulls finish in the
// background on the daemon.
func (c *Client) waitForFile(ctx context.Context, uid, name string) error {
	deadline := time.Now().Add(c.transferTimeout)
	for {
		names, err := c.listRoot(ctx, uid)
		if err != nil {
			return err
		}
		for _, n := range names {
			if n == name {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errors.Errorf("archive %s did not arrive on %s within %s", name, uid, c.transferTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) removeArchive(ctx context.Context, uid, name string) {
	req := map[string]any{"root": "/", "files": []string{name}}
	if err := c.client.Do(context.WithoutCancel(ctx), http.MethodPost, c.files(uid)+"/delete", req, nil); err != nil {
		c.log.Warn("could not remove transfer archive", zap.String("server", uid), zap.String("file", name), zap.Error(err))
	}
}
