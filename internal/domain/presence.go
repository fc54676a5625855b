package domain

// Cursor 编辑器中的光标位置
type Cursor struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LineNumber int     `json:"lineNumber"`
	Column     int     `json:"column"`
}

// Selection 当前选区范围
type Selection struct {
	StartLine   int `json:"startLineNumber"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLineNumber"`
	EndColumn   int `json:"endColumn"`
}

// Presence 是每个连接独占的临时状态，不持久化，断开即清除。
// 接收方总是用收到的完整记录整体替换。
type Presence struct {
	Cursor       *Cursor    `json:"cursor"`
	Selection    *Selection `json:"selection"`
	SelectedFile *string    `json:"selectedFile"`
	Username     string     `json:"username"`
	Avatar       string     `json:"avatar"`
	IsTyping     bool       `json:"isTyping"`
	IsSpeaking   bool       `json:"isSpeaking"`
}

// Clone 返回深拷贝，避免调用方修改内部指针字段
func (p Presence) Clone() Presence {
	out := p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		out.Selection = &s
	}
	if p.SelectedFile != nil {
		f := *p.SelectedFile
		out.SelectedFile = &f
	}
	return out
}

// InFile 判断该 presence 是否正打开 path
func (p Presence) InFile(path string) bool {
	return p.SelectedFile != nil && *p.SelectedFile == path
}
