package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"FogMPC/pkg/core/identity"

	"golang.org/x/xerrors"
)

const usage = `可用命令:
  JOIN <identity>                 加入并切换为该玩家
  USE <identity>                  切换当前玩家
  MOVE <identity> {"x":1,"y":2}   移动
  GET POSITION <identity>         用自己的或授权的密钥解密位置
  GET ENCRYPTED_FHE_KEY <grantor> 取回授权密钥
  SHARE_KEY <grantee>             把个人私钥授权给对方
  REVOKE_KEY <grantee>            撤销授权
  REVEAL <owner>                  在视野内时揭示对方位置
  ROTATE_KEY                      轮换个人密钥
  DISTANCE <identity>             近似距离（CKKS）
  PLAYERS                         列出玩家
  HELP`

// Delta MOVE 的位移
type Delta struct {
	X *int64 `json:"x"`
	Y *int64 `json:"y"`
}

// ParseDelta 解析 {"x":<int>,"y":<int>}，两个字段都必须出现
func ParseDelta(raw string) (dx, dy int64, err error) {
	var d Delta
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return 0, 0, xerrors.Errorf(`位移格式应为 {"x":1,"y":2}: %v`, err)
	}
	if d.X == nil || d.Y == nil {
		return 0, 0, xerrors.New(`位移需要 x 与 y 两个字段`)
	}
	return *d.X, *d.Y, nil
}

// Session 一个命令行会话，记住当前玩家
type Session struct {
	engine *Engine
	caller identity.Identity
}

// NewSession 创建会话
func NewSession(e *Engine) *Session {
	return &Session{engine: e}
}

// Caller 当前玩家
func (s *Session) Caller() identity.Identity {
	return s.caller
}

func (s *Session) requireCaller() (identity.Identity, error) {
	if s.caller == "" {
		return "", xerrors.New("请先 JOIN 或 USE 一个玩家")
	}
	return s.caller, nil
}

// Execute 执行一行命令，返回要显示的文本
func (s *Session) Execute(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := strings.ToUpper(fields[0])
	arg := func(i int) (string, error) {
		if len(fields) <= i {
			return "", xerrors.Errorf("%s 缺少第%d个参数\n%s", cmd, i, usage)
		}
		return fields[i], nil
	}

	switch cmd {
	case "HELP":
		return usage, nil

	case "PLAYERS":
		ids := s.engine.Players()
		names := make([]string, len(ids))
		for i, id := range ids {
			names[i] = string(id)
		}
		return strings.Join(names, " "), nil

	case "JOIN", "USE":
		name, err := arg(1)
		if err != nil {
			return "", err
		}
		id := identity.Identity(name)
		if cmd == "JOIN" {
			_, err = s.engine.Join(id)
		} else {
			_, err = s.engine.Player(id)
		}
		if err != nil {
			return "", err
		}
		s.caller = id
		return fmt.Sprintf("当前玩家: %s", id), nil

	case "MOVE":
		name, err := arg(1)
		if err != nil {
			return "", err
		}
		if len(fields) < 3 {
			return "", xerrors.New(`需要位移，例如 {"x":1,"y":2}`)
		}
		dx, dy, err := ParseDelta(strings.Join(fields[2:], ""))
		if err != nil {
			return "", err
		}
		if _, err := s.engine.Player(identity.Identity(name)); err != nil {
			return "", err
		}
		if err := s.engine.Move(identity.Identity(name), dx, dy); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s 移动 (%d, %d)", name, dx, dy), nil

	case "GET":
		what, err := arg(1)
		if err != nil {
			return "", err
		}
		name, err := arg(2)
		if err != nil {
			return "", err
		}
		caller, err := s.requireCaller()
		if err != nil {
			return "", err
		}
		switch strings.ToUpper(what) {
		case "POSITION":
			x, y, err := s.engine.GetPosition(caller, identity.Identity(name))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s: (%d, %d)", name, x, y), nil
		case "ENCRYPTED_FHE_KEY":
			keyID, err := s.engine.FetchKey(ctx, caller, identity.Identity(name))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("已取回 %s 的密钥 %s", name, keyID), nil
		default:
			return "", xerrors.Errorf("未知的 GET 命令: %s，可选 POSITION 或 ENCRYPTED_FHE_KEY", what)
		}

	case "SHARE_KEY", "REVOKE_KEY", "REVEAL", "DISTANCE":
		name, err := arg(1)
		if err != nil {
			return "", err
		}
		caller, err := s.requireCaller()
		if err != nil {
			return "", err
		}
		target := identity.Identity(name)
		switch cmd {
		case "SHARE_KEY":
			if err := s.engine.ShareKey(ctx, caller, target); err != nil {
				return "", err
			}
			return fmt.Sprintf("已把 %s 的密钥授权给 %s", caller, target), nil
		case "REVOKE_KEY":
			if err := s.engine.RevokeKey(ctx, caller, target); err != nil {
				return "", err
			}
			return fmt.Sprintf("已撤销对 %s 的授权", target), nil
		case "REVEAL":
			visible, x, y, err := s.engine.Reveal(ctx, caller, target)
			if err != nil {
				return "", err
			}
			if !visible {
				return "not visible", nil
			}
			return fmt.Sprintf("%s: (%d, %d)", target, x, y), nil
		default:
			d, err := s.engine.Distance(caller, target)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s 到 %s 的距离约为 %.2f", caller, target, d), nil
		}

	case "ROTATE_KEY":
		caller, err := s.requireCaller()
		if err != nil {
			return "", err
		}
		keyID, err := s.engine.RotateKey(caller)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("新密钥 %s", keyID), nil

	default:
		return "", xerrors.Errorf("未知命令: %s\n%s", fields[0], usage)
	}
}

// Run 逐行读取命令直到输入结束或 ctx 取消。单条命令失败不会终止会话
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := s.Execute(ctx, scanner.Text())
		switch {
		case err != nil:
			fmt.Fprintf(out, "[ERROR] %v\n", err)
		case result != "":
			fmt.Fprintln(out, result)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
