// Command imctl is a terminal client for an InfoMart server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/cli"
	"github.com/R3E-Network/infomart/internal/httputil"
	"github.com/R3E-Network/infomart/internal/middleware"
)

const progName = "imctl"

type client struct {
	baseURL string
	wallet  string
	api     *httputil.Client
	out     *cli.Printer
}

func main() {
	global := flag.NewFlagSet(progName, flag.ExitOnError)
	baseURL := global.String("url", envOr("INFOMART_URL", "http://localhost:8080"), "InfoMart base URL")
	wallet := global.String("wallet", envOr("INFOMART_WALLET", "agent"), "sandbox wallet paying for purchases")
	noColor := global.Bool("no-color", false, "disable coloured output")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	out := cli.NewPrinter(os.Stdout)
	if *noColor {
		out.DisableColor()
	}
	c := &client{
		baseURL: strings.TrimRight(*baseURL, "/"),
		wallet:  *wallet,
		api:     httputil.NewClient(httputil.ClientConfig{BaseURL: *baseURL, Timeout: 30 * time.Second, MaxRetries: 1}),
		out:     out,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := c.run(ctx, args[0], args[1:]); err != nil {
		out.Error(describe(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-url URL] [-wallet ID] [-no-color] <command> [args]\n\nCommands:\n", progName)
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	for _, c := range cli.Commands {
		fmt.Fprintf(w, "  %s\t%s\n", c.Usage, c.Summary)
	}
	_ = w.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// describe extracts the server's error message from a failed call.
func describe(err error) string {
	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal([]byte(statusErr.Body), &body) == nil && body.Error != "" {
			return fmt.Sprintf("%s (%s, HTTP %d)", body.Error, body.Code, statusErr.StatusCode)
		}
	}
	return err.Error()
}

func (c *client) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "products":
		return c.products(ctx)
	case "vendors":
		return c.vendors(ctx)
	case "publish":
		return c.publish(ctx, args)
	case "buy":
		return c.buy(ctx, args)
	case "rate":
		return c.rate(ctx, args)
	case "ask":
		return c.ask(ctx, args)
	case "stats":
		return c.dump(ctx, "/stats")
	case "treasury":
		return c.dump(ctx, "/treasury")
	case "completion":
		return completion(args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *client) getJSON(ctx context.Context, path string, into interface{}) error {
	body, err := c.api.Get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, into)
}

func (c *client) dump(ctx context.Context, path string) error {
	body, err := c.api.Get(ctx, path)
	if err != nil {
		return err
	}
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(data))
	return nil
}

type listing struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Price        decimal.Decimal `json:"price"`
	Type         string          `json:"type"`
	SellerID     string          `json:"sellerId"`
	SalesCount   int64           `json:"salesCount"`
	CurrentStake decimal.Decimal `json:"currentStake"`
}

func (c *client) products(ctx context.Context) error {
	var resp struct {
		Products []listing `json:"products"`
	}
	if err := c.getJSON(ctx, "/products", &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPRICE\tTYPE\tSELLER\tSALES\tSTAKE")
	for _, p := range resp.Products {
		fmt.Fprintf(w, "%s\t%s\t$%s\t%s\t%s\t%d\t$%s\n",
			p.ID, p.Title, p.Price.StringFixed(2), p.Type, p.SellerID, p.SalesCount, p.CurrentStake.StringFixed(2))
	}
	return w.Flush()
}

func (c *client) vendors(ctx context.Context) error {
	var resp struct {
		Vendors []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Cost        string `json:"cost"`
			ValueRating string `json:"valueRating"`
		} `json:"vendors"`
	}
	if err := c.getJSON(ctx, "/vendors", &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOST\tVALUE")
	for _, v := range resp.Vendors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Cost, v.ValueRating)
	}
	return w.Flush()
}

func (c *client) publish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	title := fs.String("title", "", "product title")
	description := fs.String("description", "", "short description")
	content := fs.String("content", "", "content delivered after payment")
	price := fs.String("price", "", "price in USD")
	seller := fs.String("seller", "", "seller wallet id")
	sellerName := fs.String("seller-name", "", "display name")
	productType := fs.String("type", "human_alpha", "human_alpha or api")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("price %q is not a number", *price)
	}

	body, err := c.api.Post(ctx, "/publish", map[string]interface{}{
		"title":       *title,
		"description": *description,
		"content":     *content,
		"price":       amount,
		"sellerId":    *seller,
		"sellerName":  *sellerName,
		"type":        *productType,
	})
	if err != nil {
		return err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	c.out.Success("published " + resp.ID)
	return nil
}

// buy pays for a product from the configured wallet and redeems the token.
func (c *client) buy(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: buy <product-id>")
	}
	resource := "/product/" + args[0] + "/buy"

	body, err := c.api.Post(ctx, "/wallets/"+c.wallet+"/pay", map[string]string{"resource": resource})
	if err != nil {
		return err
	}
	var paid struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &paid); err != nil {
		return err
	}

	body, err = c.api.WithHeader(middleware.PaymentHeader, paid.Token).Get(ctx, resource)
	if err != nil {
		return err
	}
	var product struct {
		Title      string          `json:"title"`
		Content    string          `json:"content"`
		PaidAmount decimal.Decimal `json:"paidAmount"`
		Receipt    string          `json:"receipt"`
	}
	if err := json.Unmarshal(body, &product); err != nil {
		return err
	}
	c.out.Success(fmt.Sprintf("bought %s for $%s (receipt %s)", product.Title, product.PaidAmount.StringFixed(2), product.Receipt))
	fmt.Println(product.Content)
	return nil
}

func (c *client) rate(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: rate <product-id> <1-5> [reason]")
	}
	rating, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("rating %q is not a number", args[1])
	}
	body, err := c.api.Post(ctx, "/product/"+args[0]+"/rate", map[string]interface{}{
		"rating": rating,
		"reason": strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	var resp struct {
		EventType   string          `json:"eventType"`
		StakeChange decimal.Decimal `json:"stakeChange"`
		NewStake    decimal.Decimal `json:"newStake"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	msg := fmt.Sprintf("%s: stake %s, now $%s", resp.EventType, resp.StakeChange.StringFixed(2), resp.NewStake.StringFixed(2))
	if resp.StakeChange.IsNegative() {
		c.out.Warning(msg)
	} else {
		c.out.Success(msg)
	}
	return nil
}

// ask starts an agent session and renders its stream until the final step.
func (c *client) ask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	budget := fs.String("budget", "", "session budget in USD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("usage: ask [-budget B] <question>")
	}
	payload := map[string]interface{}{"query": query}
	if *budget != "" {
		amount, err := decimal.NewFromString(*budget)
		if err != nil {
			return fmt.Errorf("budget %q is not a number", *budget)
		}
		payload["budget"] = amount
	}

	body, err := c.api.Post(ctx, "/chat", payload)
	if err != nil {
		return err
	}
	var started struct {
		SessionID string `json:"sessionId"`
		StreamURL string `json:"streamUrl"`
	}
	if err := json.Unmarshal(body, &started); err != nil {
		return err
	}
	c.out.Info("session " + started.SessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+started.StreamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session stream returned HTTP %d", resp.StatusCode)
	}
	return cli.ReadEvents(resp.Body, c.renderSessionEvent)
}

func (c *client) renderSessionEvent(evt cli.StreamEvent) error {
	switch evt.Name {
	case "log":
		var log struct {
			Step    string `json:"step"`
			Thought string `json:"thought"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &log); err != nil {
			return err
		}
		c.out.Step(log.Step, log.Status, log.Thought)
		if log.Step == "FINAL" {
			return cli.ErrStopStream
		}
	case "budget":
		var budget struct {
			Total decimal.Decimal `json:"total"`
			Spent decimal.Decimal `json:"spent"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &budget); err != nil {
			return err
		}
		c.out.Budget(budget.Spent, budget.Total)
	case "tx":
		var tx struct {
			Amount decimal.Decimal `json:"amount"`
			Vendor string          `json:"vendor"`
			TxHash string          `json:"txHash"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &tx); err != nil {
			return err
		}
		c.out.Success(fmt.Sprintf("paid $%s to %s (%s)", tx.Amount.StringFixed(2), tx.Vendor, tx.TxHash))
	case "answer":
		var answer struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &answer); err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(answer.Content)
		fmt.Println()
	case "error":
		var failure struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal([]byte(evt.Data), &failure); err != nil {
			return err
		}
		c.out.Error(fmt.Sprintf("%s: %s", failure.Code, failure.Message))
	}
	return nil
}

func completion(args []string) error {
	fs := flag.NewFlagSet("completion", flag.ContinueOnError)
	install := fs.Bool("install", false, "install into the user's completion directory")
	if len(args) == 0 {
		return errors.New("usage: completion <bash|zsh|fish> [-install]")
	}
	shell := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if !*install {
		return cli.GenerateCompletion(os.Stdout, progName, shell)
	}
	path, err := cli.InstallCompletion(progName, shell)
	if err != nil {
		return err
	}
	fmt.Printf("Completion script installed to: %s\n", path)
	return nil
}
