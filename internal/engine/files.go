package engine

import (
	"encoding/json"
	"path"
	"sort"
	"strings"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// WelcomePath 是空房间第一位用户进入时创建的文件
const WelcomePath = "welcome.md"

const welcomeContent = "# Welcome to CodeSync!\n\nThis is a collaborative editor.\nStart by creating or opening a file in the sidebar."

// FileChange 描述 files 容器中一个路径的可见变化，Entry 为 nil 表示被删除
type FileChange struct {
	Path   string
	Entry  *domain.FileEntry
	Origin storage.Origin
}

// NormalizePath 去掉首尾的 "/" 和空白，拒绝空段、"." 和 ".."。
func NormalizePath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}

// Files 返回 files 容器的快照。无法解码的条目被跳过。
func (e *Engine) Files() map[string]domain.FileEntry {
	raw, _ := e.doc.Get(storage.Files)
	out := make(map[string]domain.FileEntry, len(raw))
	for p, v := range raw {
		var entry domain.FileEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			e.log.WithError(err).WithField("path", p).Warn("Skipping undecodable file entry")
			continue
		}
		out[p] = entry
	}
	return out
}

// File 读取单个条目
func (e *Engine) File(p string) (domain.FileEntry, bool) {
	raw, ok := e.doc.Lookup(storage.Files, p)
	if !ok {
		return domain.FileEntry{}, false
	}
	var entry domain.FileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.FileEntry{}, false
	}
	return entry, true
}

// OnFileChange 订阅文件变化
func (e *Engine) OnFileChange(fn func(FileChange)) storage.Unsubscribe {
	return e.doc.OnChange(storage.Files, func(ch storage.Change) {
		fc := FileChange{Path: ch.Key, Origin: ch.Origin}
		if !ch.Deleted {
			var entry domain.FileEntry
			if err := json.Unmarshal(ch.Value, &entry); err != nil {
				e.log.WithError(err).WithField("path", ch.Key).Warn("Undecodable file entry in change")
				return
			}
			fc.Entry = &entry
		}
		fn(fc)
	})
}

// CreateFile 在 p 创建文件。路径已存在时返回 PathExists，这只是对本地快照的检查。
func (e *Engine) CreateFile(p, content string) error {
	return e.create("create-file", p, domain.FileEntry{Content: content, Type: domain.KindFile})
}

// CreateFolder 在 p 创建目录条目
func (e *Engine) CreateFolder(p string) error {
	return e.create("create-folder", p, domain.FileEntry{Type: domain.KindDirectory})
}

func (e *Engine) create(opName, p string, entry domain.FileEntry) error {
	clean, err := NormalizePath(p)
	if err != nil {
		return fail(opName, p, err)
	}
	if e.doc.Has(storage.Files, clean) {
		return fail(opName, clean, ErrPathExists)
	}
	if entry.Type == domain.KindFile {
		entry.Language = domain.LanguageForPath(clean)
	}
	entry.LastEditedBy = e.author.Name
	entry.LastEditedAt = e.nowMillis()
	op, err := storage.Set(storage.Files, clean, entry)
	if err != nil {
		return fail(opName, clean, err)
	}
	return e.apply(op)
}

// WriteContent 更新文件内容及编辑元数据
func (e *Engine) WriteContent(p, content string) error {
	clean, err := NormalizePath(p)
	if err != nil {
		return fail("write", p, err)
	}
	entry, ok := e.File(clean)
	if !ok {
		return fail("write", clean, ErrPathNotFound)
	}
	if entry.IsDir() {
		return fail("write", clean, ErrNotAFile)
	}
	entry.Content = content
	if entry.Language == "" {
		entry.Language = domain.LanguageForPath(clean)
	}
	entry.LastEditedBy = e.author.Name
	entry.LastEditedAt = e.nowMillis()
	op, err := storage.Set(storage.Files, clean, entry)
	if err != nil {
		return fail("write", clean, err)
	}
	return e.apply(op)
}

// Delete 删除 p 以及所有以 p + "/" 开头的条目。
// 一次逻辑删除被翻译成多条独立的键删除，放在同一个信封里发送。
func (e *Engine) Delete(p string) error {
	clean, err := NormalizePath(p)
	if err != nil {
		return fail("delete", p, err)
	}
	var ops []storage.Operation
	for _, k := range e.doc.Keys(storage.Files) {
		if k == clean || domain.IsDescendant(k, clean) {
			ops = append(ops, storage.Delete(storage.Files, k))
		}
	}
	if len(ops) == 0 {
		return fail("delete", clean, ErrPathNotFound)
	}
	return e.apply(ops...)
}

// Rename 把 oldPath 移动到 newPath。目录会连同所有后代一起移动，
// 后代保持相对路径和内容/元数据不变。
func (e *Engine) Rename(oldPath, newPath string) error {
	src, err := NormalizePath(oldPath)
	if err != nil {
		return fail("rename", oldPath, err)
	}
	dst, err := NormalizePath(newPath)
	if err != nil {
		return fail("rename", newPath, err)
	}
	if dst == src || domain.IsDescendant(dst, src) {
		return fail("rename", src, ErrInvalidMove)
	}
	raw, ok := e.doc.Lookup(storage.Files, src)
	if !ok {
		return fail("rename", src, ErrPathNotFound)
	}
	keys := e.doc.Keys(storage.Files)
	for _, k := range keys {
		if k == dst || domain.IsDescendant(k, dst) {
			return fail("rename", dst, ErrPathExists)
		}
	}

	var entry domain.FileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fail("rename", src, err)
	}

	var ops []storage.Operation
	if entry.IsDir() {
		var descendants []string
		for _, k := range keys {
			if domain.IsDescendant(k, src) {
				descendants = append(descendants, k)
			}
		}
		sort.Strings(descendants)
		for _, k := range descendants {
			v, ok := e.doc.Lookup(storage.Files, k)
			if !ok {
				continue
			}
			ops = append(ops, storage.Operation{Container: storage.Files, Kind: storage.OpSet, Key: dst + k[len(src):], Value: v})
		}
		for _, k := range descendants {
			ops = append(ops, storage.Delete(storage.Files, k))
		}
	}
	ops = append(ops,
		storage.Delete(storage.Files, src),
		storage.Operation{Container: storage.Files, Kind: storage.OpSet, Key: dst, Value: raw},
	)
	return e.apply(ops...)
}

// RenameBase 在同一父目录下改名
func (e *Engine) RenameBase(oldPath, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" || strings.Contains(newName, "/") {
		return fail("rename", newName, ErrInvalidPath)
	}
	parent := path.Dir(strings.Trim(oldPath, "/"))
	if parent == "." {
		return e.Rename(oldPath, newName)
	}
	return e.Rename(oldPath, parent+"/"+newName)
}

// Move 把 src 移动到目录 targetDir 下，targetDir 为空表示根目录。
func (e *Engine) Move(src, targetDir string) error {
	clean, err := NormalizePath(src)
	if err != nil {
		return fail("move", src, err)
	}
	base := path.Base(clean)
	if strings.Trim(targetDir, "/ ") == "" {
		return e.Rename(clean, base)
	}
	dir, err := NormalizePath(targetDir)
	if err != nil {
		return fail("move", targetDir, err)
	}
	if dir == clean || domain.IsDescendant(dir, clean) {
		return fail("move", clean, ErrInvalidMove)
	}
	target, ok := e.File(dir)
	if !ok {
		return fail("move", dir, ErrPathNotFound)
	}
	if !target.IsDir() {
		return fail("move", dir, ErrNotADirectory)
	}
	return e.Rename(clean, dir+"/"+base)
}

// ImportFiles 用 files (路径 -> 内容) 替换全部文件，返回导入的文件数。
func (e *Engine) ImportFiles(files map[string]string) (int, error) {
	if len(files) == 0 {
		return 0, fail("import", "", ErrNothingToImport)
	}
	paths := make([]string, 0, len(files))
	cleaned := make(map[string]string, len(files))
	for p, content := range files {
		clean, err := NormalizePath(p)
		if err != nil {
			return 0, fail("import", p, err)
		}
		cleaned[clean] = content
		paths = append(paths, clean)
	}
	sort.Strings(paths)

	var ops []storage.Operation
	for _, k := range e.doc.Keys(storage.Files) {
		ops = append(ops, storage.Delete(storage.Files, k))
	}
	ts := e.nowMillis()
	for _, p := range paths {
		op, err := storage.Set(storage.Files, p, domain.FileEntry{
			Content:      cleaned[p],
			Type:         domain.KindFile,
			Language:     domain.LanguageForPath(p),
			LastEditedBy: e.author.Name,
			LastEditedAt: ts,
		})
		if err != nil {
			return 0, fail("import", p, err)
		}
		ops = append(ops, op)
	}
	if err := e.apply(ops...); err != nil {
		return 0, fail("import", "", err)
	}
	return len(paths), nil
}

// EnsureWelcomeFile 在房间为空且没有其他成员时创建欢迎文件
func (e *Engine) EnsureWelcomeFile(others int) (bool, error) {
	if others > 0 || e.doc.Len(storage.Files) > 0 {
		return false, nil
	}
	if err := e.CreateFile(WelcomePath, welcomeContent); err != nil {
		return false, err
	}
	return true, nil
}
