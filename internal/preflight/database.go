package preflight

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrUnsupportedScheme 表示数据库 URL 的协议无法识别。
var ErrUnsupportedScheme = errors.New("unsupported database url scheme")

// DatabaseTarget 是解析后的数据库连接目标。
type DatabaseTarget struct {
	Driver string
	DSN    string
	// Redacted 是去掉密码后的地址，可以写入日志。
	Redacted string
}

// ParseDatabaseURL 将 postgres:// 或 mysql:// 形式的 URL 转换为 database/sql 可用的驱动与 DSN。
func ParseDatabaseURL(raw string) (DatabaseTarget, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return DatabaseTarget{}, fmt.Errorf("parse database url: %w", err)
	}
	redacted := u.Redacted()
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return DatabaseTarget{Driver: "pgx", DSN: u.String(), Redacted: redacted}, nil
	case "mysql":
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		if u.Port() == "" {
			cfg.Addr = u.Hostname() + ":3306"
		}
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		if len(u.Query()) > 0 {
			cfg.Params = map[string]string{}
			for k, v := range u.Query() {
				if len(v) > 0 {
					cfg.Params[k] = v[0]
				}
			}
		}
		return DatabaseTarget{Driver: "mysql", DSN: cfg.FormatDSN(), Redacted: redacted}, nil
	default:
		return DatabaseTarget{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// PingDatabase 打开连接并执行一次 Ping，不做重试。
func PingDatabase(ctx context.Context, target DatabaseTarget, timeout time.Duration) error {
	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return fmt.Errorf("open %s: %w", target.Redacted, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", target.Redacted, err)
	}
	return nil
}
