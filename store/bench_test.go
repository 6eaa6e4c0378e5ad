package store

import (
	"context"
	"testing"
	"time"

	"price-store/api"
	"price-store/bidding"
	"price-store/client"
	"price-store/registry"
	"price-store/server"
	"price-store/vendornode"
	"price-store/workerpool"
)

// setupBench starts three vendors and a store with four workers, and returns a client
// connected to the store.
func setupBench(b *testing.B) *client.Client {
	b.Helper()
	addrs := make([]string, 3)
	for i := range addrs {
		price := float64(i + 1)
		svr := server.NewServer()
		if err := svr.Register(vendornode.New(vendornode.Config{ID: "bench", DefaultPrice: &price})); err != nil {
			b.Fatal(err)
		}
		if err := svr.Listen("tcp", "127.0.0.1:0"); err != nil {
			b.Fatal(err)
		}
		go svr.Serve(context.Background())
		b.Cleanup(func() { svr.Shutdown(context.Background()) })
		addrs[i] = svr.Addr().String()
	}

	bidder := bidding.New(registry.NewVendors(addrs...), bidding.Config{Timeout: time.Second})
	b.Cleanup(func() { bidder.Close() })

	pool, err := workerpool.New(workerpool.Config{Workers: 4})
	if err != nil {
		b.Fatal(err)
	}
	srv := New(Config{DrainTimeout: time.Second}, pool, bidder)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	b.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := client.Dial(context.Background(), srv.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

func BenchmarkGetProductsSerial(b *testing.B) {
	c := setupBench(b)
	query := &api.ProductQuery{ProductName: "widget"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		var reply api.ProductReply
		if err := c.Call(context.Background(), api.MethodGetProducts, query, &reply); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetProductsParallel(b *testing.B) {
	c := setupBench(b)
	query := &api.ProductQuery{ProductName: "widget"}
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			var reply api.ProductReply
			if err := c.Call(context.Background(), api.MethodGetProducts, query, &reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
