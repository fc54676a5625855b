// Package filetree 把扁平的 路径 -> 条目 映射投影成层级树。
// 父目录即使没有显式的目录条目也会被隐式创建。
package filetree

import (
	"sort"
	"strings"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// Node 是树中的一个节点
type Node struct {
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Kind     domain.FileKind `json:"type"`
	Language string          `json:"language,omitempty"`
	Children []*Node         `json:"children,omitempty"`
	// Implicit 为 true 表示该目录没有对应的存储条目
	Implicit bool `json:"implicit,omitempty"`
}

// IsDir 报告节点是否为目录
func (n *Node) IsDir() bool { return n.Kind == domain.KindDirectory }

// Build 返回根节点列表：目录在前，同类按名称排序。
// 输入中以 "/" 结尾或包含空段的路径会被规范化后处理。
func Build(files map[string]domain.FileEntry) []*Node {
	root := &Node{Kind: domain.KindDirectory}
	index := map[string]*Node{"": root}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		clean := normalize(p)
		if clean == "" {
			continue
		}
		entry := files[p]
		parent := ensureDir(index, parentOf(clean))
		if n, ok := index[clean]; ok {
			// 之前作为隐式目录创建过
			if entry.IsDir() {
				n.Implicit = false
			}
			continue
		}
		n := &Node{Name: baseOf(clean), Path: clean, Kind: entry.Type, Language: entry.Language}
		if n.Kind == "" {
			n.Kind = domain.KindFile
		}
		index[clean] = n
		parent.Children = append(parent.Children, n)
	}

	sortTree(root)
	return root.Children
}

// Walk 深度优先遍历，fn 返回 false 时跳过该节点的子树
func Walk(nodes []*Node, fn func(n *Node, depth int) bool) {
	var walk func([]*Node, int)
	walk = func(ns []*Node, depth int) {
		for _, n := range ns {
			if fn(n, depth) && n.IsDir() {
				walk(n.Children, depth+1)
			}
		}
	}
	walk(nodes, 0)
}

// Render 以缩进文本形式输出树，目录名后带 "/"
func Render(nodes []*Node) string {
	var b strings.Builder
	Walk(nodes, func(n *Node, depth int) bool {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(n.Name)
		if n.IsDir() {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

func ensureDir(index map[string]*Node, p string) *Node {
	if n, ok := index[p]; ok {
		if !n.IsDir() {
			// 同时存在文件 a 和 a/b：把 a 当作目录展示
			n.Kind = domain.KindDirectory
			n.Language = ""
		}
		return n
	}
	parent := ensureDir(index, parentOf(p))
	n := &Node{Name: baseOf(p), Path: p, Kind: domain.KindDirectory, Implicit: true}
	index[p] = n
	parent.Children = append(parent.Children, n)
	return n
}

func sortTree(n *Node) {
	sort.Slice(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		return a.Name < b.Name
	})
	for _, c := range n.Children {
		if c.IsDir() {
			sortTree(c)
		}
	}
}

func normalize(p string) string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func parentOf(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

func baseOf(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}
