// Command examples walks a two-party swap through the REST API using the Go
// client. Point OPENSWAP_URL at a running openswapd (memory drivers are fine).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"OpenSwap-Chain/sdk/go/swapclient"
)

func main() {
	baseURL := os.Getenv("OPENSWAP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := swapclient.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client.SetToken(os.Getenv("OPENSWAP_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	custody, err := client.CustodyAddress(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("deposit into %s\n", custody)

	if _, err := client.SubmitOrder(ctx, "demo", swapclient.Order{
		OwnerID:        "alice",
		DepositAddress: "0x1111111111111111111111111111111111111111",
		SendAsset:      "USDC",
		SendAmount:     decimal.NewFromInt(1),
		ReceiveAsset:   "EURC",
		ReceiveAmount:  decimal.NewFromInt(1),
	}); err != nil {
		panic(err)
	}
	session, err := client.SubmitText(ctx, "demo", "bob",
		"0x2222222222222222222222222222222222222222 I am sending 1 EURC for 1 USDC")
	if err != nil {
		panic(err)
	}
	fmt.Printf("session %s has %d orders (state=%s)\n", session.ID, len(session.Orders), session.State)

	outcome, err := client.Verify(ctx, "demo")
	if err != nil {
		panic(err)
	}
	if outcome.Deposits != nil && !outcome.Deposits.AllPresent {
		fmt.Printf("waiting for deposits from %v\n", outcome.Deposits.Missing)
	}
}
