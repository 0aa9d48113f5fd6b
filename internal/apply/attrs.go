package apply

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	objectstore "github.com/localfs/objectstore"
)

// Inline xattrs are stored under a name-prefixed key. Values above
// chunkSize are split across "<prefix><name>#0".."<prefix><name>#k" plus a
// "<prefix><name>#n" sidecar holding the decimal chunk count, per spec §3
// ("possibly across numbered chunks when values exceed a per-xattr block
// size"). chunkSize is kept comfortably under common xattr limits (ext4's
// default inode-resident budget is ~4KB shared across all xattrs on a file).
const (
	attrPrefix = "user.objectstore.attr."
	chunkSize  = 3800
	spillXattr = "user.cephos.spill_out"
)

func attrXattrName(name string) string { return attrPrefix + name }
func chunkXattrName(name string, i int) string {
	return fmt.Sprintf("%s#%d", attrXattrName(name), i)
}
func chunkCountXattrName(name string) string { return attrXattrName(name) + "#n" }

// setInlineAttr stamps value as one or more xattrs on path.
func (a *Applier) setInlineAttr(ctx context.Context, path, name string, value []byte) error {
	if len(value) <= chunkSize {
		return a.Backend.SetXattr(ctx, path, attrXattrName(name), value)
	}
	n := 0
	for off := 0; off < len(value); off += chunkSize {
		end := off + chunkSize
		if end > len(value) {
			end = len(value)
		}
		if err := a.Backend.SetXattr(ctx, path, chunkXattrName(name, n), value[off:end]); err != nil {
			return err
		}
		n++
	}
	return a.Backend.SetXattr(ctx, path, chunkCountXattrName(name), []byte(strconv.Itoa(n)))
}

// getInlineAttr reads an inline attr back, reassembling its chunks if any,
// and reports whether it was present at all.
func (a *Applier) getInlineAttr(ctx context.Context, path, name string) ([]byte, bool, error) {
	if raw, err := a.Backend.GetXattr(ctx, path, attrXattrName(name)); err == nil {
		return raw, true, nil
	} else if !isNoData(err) {
		return nil, false, err
	}
	countRaw, err := a.Backend.GetXattr(ctx, path, chunkCountXattrName(name))
	if err != nil {
		if isNoData(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(countRaw)))
	if err != nil {
		return nil, false, fmt.Errorf("apply: corrupt chunk count for attr %q: %w", name, err)
	}
	var buf []byte
	for i := 0; i < n; i++ {
		part, err := a.Backend.GetXattr(ctx, path, chunkXattrName(name, i))
		if err != nil {
			return nil, false, err
		}
		buf = append(buf, part...)
	}
	return buf, true, nil
}

// rmInlineAttr removes an inline attr (single or chunked form); absence is
// not an error (mirrors RMATTR tolerating ENODATA).
func (a *Applier) rmInlineAttr(ctx context.Context, path, name string) error {
	countRaw, err := a.Backend.GetXattr(ctx, path, chunkCountXattrName(name))
	if err == nil {
		n, perr := strconv.Atoi(strings.TrimSpace(string(countRaw)))
		if perr == nil {
			for i := 0; i < n; i++ {
				if err := a.Backend.RemoveXattr(ctx, path, chunkXattrName(name, i)); err != nil && !isNoData(err) {
					return err
				}
			}
		}
		return a.Backend.RemoveXattr(ctx, path, chunkCountXattrName(name))
	}
	return a.Backend.RemoveXattr(ctx, path, attrXattrName(name))
}

// listInlineAttrNames enumerates attrs currently stored inline, for the
// max-inline-count check and for RMATTRS.
func (a *Applier) listInlineAttrNames(ctx context.Context, path string) ([]string, error) {
	all, err := a.Backend.ListXattr(ctx, path)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, x := range all {
		if !strings.HasPrefix(x, attrPrefix) {
			continue
		}
		rest := strings.TrimPrefix(x, attrPrefix)
		if i := strings.IndexByte(rest, '#'); i >= 0 {
			rest = rest[:i]
		}
		if !seen[rest] {
			seen[rest] = true
			names = append(names, rest)
		}
	}
	return names, nil
}

// setAttr implements SETATTR/one key of SETATTRS: inline when value fits
// under the configured size and the object hasn't already hit its inline
// count ceiling, else spilled to the KV store with SPILL_OUT flipped to "1".
func (a *Applier) setAttr(ctx context.Context, path, namespace, name string, value []byte, at objectstore.Spos) error {
	inlineNames, err := a.listInlineAttrNames(ctx, path)
	if err != nil {
		return err
	}
	alreadyInline := containsStr(inlineNames, name)
	fits := len(value) <= a.Cfg.InlineAttrMaxSize
	underCount := alreadyInline || len(inlineNames) < a.Cfg.InlineAttrMaxCount
	if fits && underCount {
		if !alreadyInline {
			if _, present, _ := a.KV.Get(ctx, namespace, name); present {
				if err := a.KV.Delete(ctx, namespace, name, at); err != nil {
					return err
				}
			}
		}
		return a.setInlineAttr(ctx, path, name, value)
	}
	if alreadyInline {
		if err := a.rmInlineAttr(ctx, path, name); err != nil {
			return err
		}
	}
	if err := a.KV.Set(ctx, namespace, name, value, at); err != nil {
		return err
	}
	return a.Backend.SetXattr(ctx, path, spillXattr, []byte("1"))
}

// getAttr merges the inline and spilled views for one attr name.
func (a *Applier) getAttr(ctx context.Context, path, namespace, name string) ([]byte, bool, error) {
	if v, ok, err := a.getInlineAttr(ctx, path, name); err != nil {
		return nil, false, err
	} else if ok {
		return v, true, nil
	}
	return a.KV.Get(ctx, namespace, name)
}

// rmAttr removes name from whichever tier holds it and recomputes
// SPILL_OUT from the KV namespace's remaining population.
func (a *Applier) rmAttr(ctx context.Context, path, namespace, name string, at objectstore.Spos) error {
	if err := a.rmInlineAttr(ctx, path, name); err != nil {
		return err
	}
	if err := a.KV.Delete(ctx, namespace, name, at); err != nil {
		return err
	}
	return a.refreshSpillFlag(ctx, path, namespace)
}

func (a *Applier) refreshSpillFlag(ctx context.Context, path, namespace string) error {
	any := false
	err := a.KV.Range(ctx, namespace, "", "", func(string, []byte) bool {
		any = true
		return false
	})
	if err != nil {
		return err
	}
	val := "0"
	if any {
		val = "1"
	}
	return a.Backend.SetXattr(ctx, path, spillXattr, []byte(val))
}

// rmAllAttrs implements RMATTRS: every inline attr plus the entire spilled
// namespace.
func (a *Applier) rmAllAttrs(ctx context.Context, path, namespace string, at objectstore.Spos) error {
	names, err := a.listInlineAttrNames(ctx, path)
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := a.rmInlineAttr(ctx, path, n); err != nil {
			return err
		}
	}
	if err := a.KV.Clear(ctx, namespace, at); err != nil {
		return err
	}
	return a.Backend.SetXattr(ctx, path, spillXattr, []byte("0"))
}

func containsStr(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
