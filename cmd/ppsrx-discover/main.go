package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rjboer/ppsrx/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Browse timeout")
	service := flag.String("service", mdns.ServiceType, "DNS-SD service type")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" Radio daemon discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Service : %s.local\n", *service)
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := mdns.Discover(context.Background(), *service, *timeout)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No daemons found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d daemon(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	fmt.Println("===============================================================")

	for i, h := range hosts {
		fmt.Printf(" Daemon #%d\n", i+1)
		fmt.Printf(" Instance : %s\n", h.Instance)
		fmt.Printf(" Hostname : %s\n", h.Hostname)
		fmt.Printf(" Port     : %d\n", h.Port)
		for _, ip := range h.Addresses {
			fmt.Printf("   - %s\n", ip)
		}
		for _, txt := range h.TXT {
			fmt.Printf("   txt %s\n", txt)
		}
		fmt.Printf(" Use      : ppsrx -backend remote -args %s\n", h.Address())
		fmt.Println("===============================================================")
	}
}
