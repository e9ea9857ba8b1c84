package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/virtsec/isopage"
	"github.com/virtsec/isopage/server"
)

var (
	listenAddr = flag.String("listen-addr", "0.0.0.0:6379", "Address/port for the redis-protocol listener")
	httpAddr   = flag.String("http-addr", "0.0.0.0:19513", "Address/port for the HTTP listener")

	ownerName             = flag.String("owner-name", "isopaged", "Owner name used to derive the signing context")
	maxConcurrentRequests = flag.Int(
		"max-concurrent-requests", 64, "Maximum number of concurrent HTTP requests")

	promPort  = flag.Int("prom-port", 0, "Port to export prometheus metrics")
	pprofAddr = flag.String("pprof-addr", "", "Address/port to serve pprof")
)

func main() {
	flag.Parse()

	if *promPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", *promPort), mux)
			if err != nil {
				panic(err)
			}
		}()
	}

	if *pprofAddr != "" {
		go func() {
			err := http.ListenAndServe(*pprofAddr, nil)
			if err != nil {
				panic(err)
			}
		}()
	}

	reg := isopage.NewDomainRegistry()
	codec, err := isopage.NewCodec(reg)
	if err != nil {
		log.Fatalf("Unable to create capability codec: %v", err)
	}
	store, err := isopage.NewMessageStore(isopage.StoreOptions{
		Registry:  reg,
		Codec:     codec,
		Switcher:  isopage.NewAccessSwitcher(reg),
		OwnerName: *ownerName,
	})
	if err != nil {
		log.Fatalf("Unable to create message store: %v", err)
	}
	log.Printf("isopaged: message store owns protection domain %d", store.Domain())

	// Teardown on SIGINT/SIGTERM: discard the page and free the domain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		if err := store.Close(); err != nil {
			log.Printf("isopaged: teardown error: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()

	go func() {
		handler := server.NewHandler(store, *maxConcurrentRequests)
		httpServer := &http.Server{
			Addr:    *httpAddr,
			Handler: h2c.NewHandler(handler, &http2.Server{}),
		}
		err := httpServer.ListenAndServe()
		if err != nil {
			panic(err)
		}
	}()

	respServer := server.NewRespServer(store)

	l, err := net.Listen("tcp4", *listenAddr)
	if err != nil {
		panic(err)
	}

	for {
		c, err := l.Accept()
		if err != nil {
			panic(err)
		}
		go func() {
			defer c.Close()
			err := respServer.Serve(c)
			if err != nil && !strings.Contains(err.Error(), "connection reset by peer") {
				log.Print("Resp server error:", err)
			}
		}()
	}
}
