package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"AgentEscrow/sdk/go/escrowclient"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "escrowd base url")
	token := flag.String("token", os.Getenv("ESCROW_TOKEN"), "api token")
	flag.Parse()

	client, err := escrowclient.NewClient(*addr, *token, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session, err := client.StartWorkflow(ctx, escrowclient.WorkflowRequest{
		Listing: escrowclient.Listing{
			SellerID:         "seller-demo",
			Title:            "Road bike, 56cm frame",
			Category:         "sports",
			AskingPriceMinor: 85000,
			Currency:         "usd",
			Offers:           []escrowclient.Offer{{BuyerID: "buyer-demo", PriceMinor: 80000, Currency: "usd"}},
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("queued session %s\n", session.ID)

	done, err := client.WaitSession(ctx, session.ID, time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("session %s finished: status=%s steps=%v\n", done.ID, done.Status, done.AgentSequence)
	if done.EscrowID == "" {
		return
	}

	escrow, err := client.Escrow(ctx, done.EscrowID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("escrow %s: %s %d %s (trust %.2f)\n", escrow.ID, escrow.Status, escrow.Amount, escrow.Currency, escrow.TrustScore)
}
