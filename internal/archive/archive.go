// Package archive 在 zip 归档和 files 容器之间转换：导入代码仓库、导出整个项目。
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrNoImportableFiles 归档中没有可导入的文本文件
var ErrNoImportableFiles = errors.New("archive contains no importable files")

// MaxFileSize 单个文件超过该大小时跳过
const MaxFileSize = 1 << 20

var ignoredDirs = []string{".git/", "node_modules/", ".vscode/", ".idea/"}

var ignoredNames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	".DS_Store":         true,
}

var ignoredExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".ico": true, ".webp": true,
	".eot": true, ".ttf": true, ".woff": true, ".woff2": true,
}

// Ignored 判断归档内的相对路径 (已去掉顶层目录) 是否应跳过
func Ignored(rel string) bool {
	for _, d := range ignoredDirs {
		if strings.HasPrefix(rel, d) || strings.Contains(rel, "/"+d) {
			return true
		}
	}
	base := path.Base(rel)
	if ignoredNames[base] {
		return true
	}
	return ignoredExts[strings.ToLower(path.Ext(base))]
}

// Import 读取 zip 归档，返回 路径 -> 内容。
// GitHub 之类的归档会把所有文件包在一个顶层目录里，因此每个路径的第一段都会被去掉。
func Import(r io.ReaderAt, size int64) (map[string]string, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}
	logCtx := logrus.WithFields(logrus.Fields{"component": "archive", "entries": len(zr.File)})

	files := make(map[string]string)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rel := stripFirst(f.Name)
		if rel == "" || Ignored(rel) {
			continue
		}
		if f.UncompressedSize64 > MaxFileSize {
			logCtx.WithField("path", rel).Debug("Skipping oversized file")
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		if !utf8.Valid(content) {
			logCtx.WithField("path", rel).Debug("Skipping binary file")
			continue
		}
		files[rel] = string(content)
	}
	if len(files) == 0 {
		return nil, ErrNoImportableFiles
	}
	logCtx.WithField("imported", len(files)).Info("Archive imported")
	return files, nil
}

// ImportBytes 是 Import 的便捷形式
func ImportBytes(data []byte) (map[string]string, error) {
	return Import(bytes.NewReader(data), int64(len(data)))
}

// Export 把 files 容器写成 zip 归档，目录写成 zip 中的文件夹条目
func Export(w io.Writer, files map[string]domain.FileEntry) error {
	zw := zip.NewWriter(w)
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		entry := files[p]
		if entry.IsDir() {
			if _, err := zw.Create(p + "/"); err != nil {
				return fmt.Errorf("failed to add folder %s: %w", p, err)
			}
			continue
		}
		hdr := &zip.FileHeader{Name: p, Method: zip.Deflate}
		if entry.LastEditedAt > 0 {
			hdr.Modified = entry.EditedAt()
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to add file %s: %w", p, err)
		}
		if _, err := io.WriteString(fw, entry.Content); err != nil {
			return fmt.Errorf("failed to write file %s: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zip archive: %w", err)
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
}

func stripFirst(name string) string {
	name = strings.TrimPrefix(name, "/")
	i := strings.Index(name, "/")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
