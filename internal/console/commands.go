package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/cryptotrack/internal/auth"
	"github.com/hitoshi/cryptotrack/internal/market"
	"github.com/hitoshi/cryptotrack/internal/model"
)

// command はコンソールの1コマンド。
type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, args []string) error
}

// usageError は引数の誤り。使い方を表示する。
type usageError struct {
	usage string
}

func (e *usageError) Error() string {
	return "usage: " + e.usage
}

// registerCommands はコマンド表を構築する。
func (c *Console) registerCommands() {
	list := []struct {
		name string
		cmd  command
	}{
		{"help", command{"help", "show this help", c.cmdHelp}},
		{"status", command{"status", "show the session state and current page", c.cmdStatus}},
		{"login", command{"login <email> <password>", "sign in", c.cmdLogin}},
		{"admin-login", command{"admin-login <email> <password>", "sign in as staff", c.cmdAdminLogin}},
		{"register", command{"register <email> <password> <name...>", "create an account", c.cmdRegister}},
		{"me", command{"me", "show your profile", c.cmdMe}},
		{"profile", command{"profile name=<name> phone=<phone> country=<country>", "update your profile", c.cmdProfile}},
		{"password", command{"password <current> <new>", "change your password", c.cmdPassword}},
		{"logout", command{"logout", "sign out", c.cmdLogout}},
		{"open", command{"open <path>", "navigate to a dashboard page", c.cmdOpen}},
		{"price", command{"price <symbol> [range]", "price history (default range " + market.DefaultPriceRange + ")", c.cmdPrice}},
		{"ohlc", command{"ohlc <symbol> [interval] [range]", "candlesticks", c.cmdOHLC}},
		{"heatmap", command{"heatmap [range]", "market heatmap", c.cmdHeatmap}},
		{"indicators", command{"indicators <symbol>", "technical indicators", c.cmdIndicators}},
	}

	c.commands = make(map[string]command, len(list))
	c.order = make([]string, 0, len(list))
	for _, entry := range list {
		c.commands[entry.name] = entry.cmd
		c.order = append(c.order, entry.name)
	}
}

func (c *Console) cmdHelp(ctx context.Context, args []string) error {
	for _, name := range c.order {
		cmd := c.commands[name]
		c.printf("  %-52s %s\n", cmd.usage, c.styles.muted.Render(cmd.summary))
	}
	c.printf("  %-52s %s\n", "quit", c.styles.muted.Render("leave the console"))
	return nil
}

func (c *Console) cmdStatus(ctx context.Context, args []string) error {
	c.printState(c.session.Snapshot())
	c.printf("page: %s\n", c.path)
	return nil
}

func (c *Console) cmdLogin(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return &usageError{c.commands["login"].usage}
	}
	if err := c.session.Login(ctx, args[0], args[1]); err != nil {
		return err
	}
	c.printState(c.session.Snapshot())
	return nil
}

func (c *Console) cmdAdminLogin(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return &usageError{c.commands["admin-login"].usage}
	}
	if err := c.session.AdminLogin(ctx, args[0], args[1]); err != nil {
		return err
	}
	c.printState(c.session.Snapshot())
	c.visit("/admin")
	return nil
}

func (c *Console) cmdRegister(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return &usageError{c.commands["register"].usage}
	}
	name := strings.Join(args[2:], " ")
	if err := c.session.Register(ctx, name, args[0], args[1]); err != nil {
		return err
	}
	c.printf("%s account created for %s, sign in with \"login\"\n", c.styles.ok.Render("ok:"), args[0])
	return nil
}

func (c *Console) cmdMe(ctx context.Context, args []string) error {
	st := c.session.Snapshot()
	if st.User == nil {
		return model.NewNotAuthenticatedError()
	}
	c.printProfile(st.User)
	return nil
}

func (c *Console) cmdProfile(ctx context.Context, args []string) error {
	update, err := parseProfileUpdate(args)
	if err != nil {
		return err
	}
	if update == nil {
		return &usageError{c.commands["profile"].usage}
	}

	profile, err := c.session.UpdateProfile(ctx, *update)
	if err != nil {
		return err
	}
	c.printf("%s profile updated\n", c.styles.ok.Render("ok:"))
	c.printProfile(profile)
	return nil
}

func (c *Console) cmdPassword(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return &usageError{c.commands["password"].usage}
	}
	if err := c.session.ChangePassword(ctx, args[0], args[1]); err != nil {
		return err
	}
	c.printf("%s password changed\n", c.styles.ok.Render("ok:"))
	return nil
}

func (c *Console) cmdLogout(ctx context.Context, args []string) error {
	target := c.session.Logout(c.path)
	c.printf("%s signed out\n", c.styles.ok.Render("ok:"))
	c.navigate(target)
	return nil
}

func (c *Console) cmdOpen(ctx context.Context, args []string) error {
	if len(args) != 1 || !strings.HasPrefix(args[0], "/") {
		return &usageError{c.commands["open"].usage}
	}
	c.visit(args[0])
	return nil
}

func (c *Console) cmdPrice(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return &usageError{c.commands["price"].usage}
	}
	points, err := c.market.PriceHistory(ctx, args[0], argAt(args, 1))
	if err != nil {
		return c.handleMarketError(err)
	}

	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{
			formatTime(p.Timestamp),
			formatPrice(p.PriceUSD.Float()),
			formatPercent(p.ChangePercent24h),
			formatAmount(p.Volume24h.Float()),
			formatAmount(p.MarketCap.Float()),
		})
	}
	c.printTable([]string{"Time", "Price", "24h", "Volume 24h", "Market cap"}, rows)
	return nil
}

func (c *Console) cmdOHLC(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return &usageError{c.commands["ohlc"].usage}
	}
	candles, err := c.market.OHLC(ctx, args[0], argAt(args, 1), argAt(args, 2))
	if err != nil {
		return c.handleMarketError(err)
	}

	rows := make([][]string, 0, len(candles))
	for _, k := range candles {
		rows = append(rows, []string{
			formatTime(k.Timestamp),
			formatPrice(k.Open),
			formatPrice(k.High),
			formatPrice(k.Low),
			formatPrice(k.Close),
		})
	}
	c.printTable([]string{"Time", "Open", "High", "Low", "Close"}, rows)
	return nil
}

func (c *Console) cmdHeatmap(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return &usageError{c.commands["heatmap"].usage}
	}
	entries, err := c.market.Heatmap(ctx, argAt(args, 0))
	if err != nil {
		return c.handleMarketError(err)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			c.text.Sanitize(e.Symbol),
			c.text.Sanitize(e.Name),
			formatPrice(e.Price),
			formatPercent(e.ChangePercent24h),
		})
	}
	c.printTable([]string{"Symbol", "Name", "Price", "24h"}, rows)
	return nil
}

func (c *Console) cmdIndicators(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return &usageError{c.commands["indicators"].usage}
	}
	ind, err := c.market.Indicators(ctx, args[0])
	if err != nil {
		return c.handleMarketError(err)
	}

	c.printTable([]string{"Indicator", "Value"}, [][]string{
		{"SMA 7", formatOptional(ind.SMA7)},
		{"SMA 25", formatOptional(ind.SMA25)},
		{"RSI", formatOptional(ind.RSI)},
		{"MACD", formatOptional(ind.MACD)},
	})
	return nil
}

// parseProfileUpdate は key=value 形式の引数をProfileUpdateに変換する。
// 値に空白を含む場合は次の key= までを1つの値とみなす。
// 引数がない場合はnilを返す。
func parseProfileUpdate(args []string) (*model.ProfileUpdate, error) {
	values := map[string]string{}
	var order []string
	var current string
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			if current == "" {
				return nil, fmt.Errorf("expected key=value, got %q", arg)
			}
			values[current] += " " + arg
			continue
		}
		key = strings.ToLower(key)
		if _, dup := values[key]; !dup {
			order = append(order, key)
		}
		values[key] = value
		current = key
	}
	if len(values) == 0 {
		return nil, nil
	}

	update := &model.ProfileUpdate{}
	for _, key := range order {
		v := values[key]
		switch key {
		case "name", "full_name":
			update.FullName = model.StringPtr(v)
		case "phone":
			update.Phone = model.StringPtr(v)
		case "country":
			update.Country = model.StringPtr(v)
		default:
			return nil, fmt.Errorf("unknown profile field %q (name, phone, country)", key)
		}
	}
	return update, nil
}

// argAt はi番目の引数を返す。存在しない場合は空文字列。
func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// printState はセッションの状態を表示する。
func (c *Console) printState(st auth.State) {
	switch {
	case st.IsAuthenticated && st.User != nil:
		role := ""
		if st.User.IsAdmin() {
			role = " " + c.styles.warn.Render("[staff]")
		}
		c.printf("%s signed in as %s%s\n", c.styles.ok.Render("●"), c.text.Sanitize(st.User.Email), role)
	case st.IsLoading:
		c.printf("%s checking session...\n", c.styles.muted.Render("●"))
	default:
		c.printf("%s not signed in\n", c.styles.muted.Render("○"))
	}
}

// printProfile はプロフィールを表示する。
func (c *Console) printProfile(p *model.Profile) {
	c.printTable([]string{"Field", "Value"}, [][]string{
		{"Email", c.text.Sanitize(p.Email)},
		{"Name", c.text.Sanitize(p.Name)},
		{"Phone", c.text.Sanitize(p.Phone)},
		{"Country", c.text.Sanitize(p.Country)},
		{"Staff", fmt.Sprintf("%t", p.IsAdmin())},
	})
}
