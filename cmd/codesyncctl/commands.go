package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/Dizro/Collaborative-Code-Editor/internal/archive"
	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/filetree"
	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
)

const requestTimeout = 30 * time.Second

func guestSession(opts docopt.Opts) error {
	name, _ := opts.String("--name")
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	token, user, err := remote.NewAPIClient(serverURL(opts), nil).GuestSession(ctx, name)
	if err != nil {
		return err
	}
	Err.Printf("Signed in as %s (%s)", user.Username, user.ID)
	Out.Println(token)
	return nil
}

func login(opts docopt.Opts) error {
	user, _ := opts.String("--user")
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	token, err := remote.NewAPIClient(serverURL(opts), nil).Login(ctx, user, string(password))
	if err != nil {
		return err
	}
	Out.Println(token)
	return nil
}

func createRoom(opts docopt.Opts) error {
	token, err := tokenFrom(opts)
	if err != nil {
		return err
	}
	settings := domain.DefaultRoomSettings()
	settings.RoomName, _ = opts.String("--name")
	settings.IsPrivate, _ = opts.Bool("--private")
	if v, _ := opts.String("--max-users"); v != "" {
		if settings.MaxUsers, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid --max-users: %w", err)
		}
	}
	if settings.IsPrivate {
		// 创建者总是可以进入自己的私有房间
		if ident, err := identityFromToken(token); err == nil {
			settings.AllowedUsers = []string{ident.ID}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	roomID, normalized, err := remote.NewAPIClient(serverURL(opts), nil).CreateRoom(ctx, token, settings)
	if err != nil {
		return err
	}
	Err.Printf("Created %q (max %d users)", normalized.RoomName, normalized.MaxUsers)
	Out.Println(roomID)
	return nil
}

func tree(opts docopt.Opts) error {
	return withRoom(opts, func(rs *roomSession) error {
		files := rs.Room.Engine.Files()
		if len(files) == 0 {
			Err.Println("(empty room)")
			return nil
		}
		Out.Print(filetree.Render(filetree.Build(files)))
		return nil
	})
}

func cat(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	return withRoom(opts, func(rs *roomSession) error {
		entry, ok := rs.Room.Engine.File(path)
		if !ok {
			return fmt.Errorf("%s: not found", path)
		}
		if entry.IsDir() {
			return fmt.Errorf("%s: is a directory", path)
		}
		Out.Print(entry.Content)
		if !strings.HasSuffix(entry.Content, "\n") {
			Out.Println()
		}
		return nil
	})
}

// write 用文件 (或标准输入) 的内容覆盖 path，不存在时创建
func write(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	content, err := readInput(opts)
	if err != nil {
		return err
	}
	return withRoom(opts, func(rs *roomSession) error {
		if _, ok := rs.Room.Engine.File(path); ok {
			return rs.Room.Engine.WriteContent(path, content)
		}
		return rs.Room.Engine.CreateFile(path, content)
	})
}

func readInput(opts docopt.Opts) (string, error) {
	if file, _ := opts.String("<file>"); file != "" && file != "-" {
		data, err := os.ReadFile(file)
		return string(data), err
	}
	data, err := io.ReadAll(os.Stdin)
	return string(data), err
}

func mkdir(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	return withRoom(opts, func(rs *roomSession) error {
		return rs.Room.Engine.CreateFolder(path)
	})
}

func remove(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	return withRoom(opts, func(rs *roomSession) error {
		return rs.Room.Engine.Delete(path)
	})
}

func move(opts docopt.Opts) error {
	src, _ := opts.String("<src>")
	dst, _ := opts.String("<dst>")
	return withRoom(opts, func(rs *roomSession) error {
		// 目标是已存在的目录时移动到目录下，否则重命名
		if entry, ok := rs.Room.Engine.File(dst); ok && entry.IsDir() {
			return rs.Room.Engine.Move(src, dst)
		}
		return rs.Room.Engine.Rename(src, dst)
	})
}

// chat 发送一条消息；没有消息时打印聊天记录
func chat(opts docopt.Opts) error {
	text, _ := opts.String("<message>")
	return withRoom(opts, func(rs *roomSession) error {
		if text != "" {
			_, err := rs.Room.Engine.SendMessage(text)
			return err
		}
		for _, m := range rs.Room.Engine.Messages() {
			at := time.UnixMilli(m.Timestamp).Format("15:04:05")
			Out.Printf("[%s] %s: %s", at, m.Username, m.Content)
		}
		return nil
	})
}

func exportRoom(opts docopt.Opts) error {
	out, _ := opts.String("<zipfile>")
	return withRoom(opts, func(rs *roomSession) error {
		var buf bytes.Buffer
		if err := archive.Export(&buf, rs.Room.Engine.Files()); err != nil {
			return err
		}
		return os.WriteFile(out, buf.Bytes(), 0o644)
	})
}

func importRoom(opts docopt.Opts) error {
	in, _ := opts.String("<zipfile>")
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	files, err := archive.ImportBytes(data)
	if err != nil {
		return err
	}
	return withRoom(opts, func(rs *roomSession) error {
		n, err := rs.Room.Engine.ImportFiles(files)
		if err != nil {
			return err
		}
		Err.Printf("Imported %d files", n)
		return nil
	})
}

// compile 通过投票状态机编译，房间要求投票时等待其他成员投票
func compile(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	return withRoom(opts, func(rs *roomSession) error {
		if err := rs.Room.Vote.RequestCompile(path); err != nil {
			return err
		}
		if rs.Room.Engine.Settings().RequireVoteForCompilation {
			votes, required := rs.Room.Vote.Progress()
			Err.Printf("Waiting for votes (%d/%d)...", votes, required)
		}
		select {
		case res := <-rs.results:
			if res.Stdout != "" {
				Out.Print(res.Stdout)
			}
			if res.Stderr != "" {
				Err.Print(res.Stderr)
			}
			if res.ExitStatus != 0 {
				return fmt.Errorf("exit status %d", res.ExitStatus)
			}
			return nil
		case err := <-rs.failures:
			return err
		case <-time.After(2 * time.Minute):
			return errors.New("timed out waiting for compilation")
		}
	})
}

func analyze(opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	token, err := tokenFrom(opts)
	if err != nil {
		return err
	}
	return withRoom(opts, func(rs *roomSession) error {
		entry, ok := rs.Room.Engine.File(path)
		if !ok || entry.IsDir() {
			return fmt.Errorf("%s: not a file", path)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*requestTimeout)
		defer cancel()
		report, err := remote.NewAnalysisClient(serverURL(opts), token, nil).Analyze(ctx, entry.Content)
		if err != nil {
			return err
		}
		Out.Println(report)
		return nil
	})
}
