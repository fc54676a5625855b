package domain

import (
	"path"
	"strings"
	"time"
)

// FileKind 区分普通文件和目录
type FileKind string

const (
	KindFile      FileKind = "file"
	KindDirectory FileKind = "directory"
)

// FileEntry 是 files 容器中的一个条目，以 "/" 分隔的路径为键。
// 目录只是路径前缀的命名空间，本身不包含子条目。
type FileEntry struct {
	Content      string   `json:"content"`      // 文件内容，目录为空字符串
	Type         FileKind `json:"type"`         // "file" 或 "directory"
	Language     string   `json:"language"`     // 语言标签，例如 "typescript"
	LastEditedBy string   `json:"lastEditedBy"` // 最后编辑者的用户名
	LastEditedAt int64    `json:"lastEditedAt"` // 最后编辑时间 (Unix 毫秒，与浏览器端 Date.now() 保持一致)
}

// IsDir 判断条目是否为目录
func (f FileEntry) IsDir() bool { return f.Type == KindDirectory }

// EditedAt 返回 LastEditedAt 对应的 time.Time
func (f FileEntry) EditedAt() time.Time { return time.UnixMilli(f.LastEditedAt) }

// languageByExt 扩展名到语言标签的映射
var languageByExt = map[string]string{
	"ts":   "typescript",
	"tsx":  "typescript",
	"js":   "javascript",
	"jsx":  "javascript",
	"py":   "python",
	"html": "html",
	"htm":  "html",
	"css":  "css",
	"json": "json",
	"md":   "markdown",
}

// LanguageForPath 根据文件扩展名推断语言标签，未知扩展名返回 "plaintext"。
func LanguageForPath(p string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	return "plaintext"
}

// IsDescendant 判断 p 是否位于目录 dir 之下 (不包含 dir 本身)。
func IsDescendant(p, dir string) bool {
	return strings.HasPrefix(p, dir+"/")
}
