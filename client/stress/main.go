package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/virtsec/isopage"
	"github.com/virtsec/isopage/client"
)

const (
	minPayloadSize = 1
	maxPayloadSize = isopage.PageSize
)

var (
	httpAddr  = flag.String("http-addr", "127.0.0.1:19513", "isopaged HTTP address")
	respAddr  = flag.String("resp-addr", "", "isopaged RESP address; if set, use the redis protocol instead of HTTP")
	threads   = flag.Int("threads", 2, "Number of stress goroutines")
	duration  = flag.Duration("duration", time.Hour, "Stress run time")
	pprofAddr = flag.String("pprof-addr", "127.0.0.1:6666", "Address/port to serve pprof")
)

func makePayload() []byte {
	buf := make([]byte, rand.Intn(maxPayloadSize-minPayloadSize)+minPayloadSize)
	rand.Read(buf)
	return buf
}

// The store holds one slot, so cross-thread reads can observe another
// thread's payload. Correctness check: every read must return something some
// thread wrote, never a torn mix.
type payloadSet struct {
	payloads map[string]bool
	lock     sync.Mutex
}

func (s *payloadSet) add(p []byte) {
	s.lock.Lock()
	s.payloads[string(p)] = true
	s.lock.Unlock()
}

func (s *payloadSet) has(p []byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.payloads[string(p)]
}

type slotClient interface {
	write(ctx context.Context, payload []byte) error
	read(ctx context.Context) ([]byte, error)
}

type httpSlot struct {
	c *client.Client
}

func (s *httpSlot) write(ctx context.Context, payload []byte) error {
	return s.c.Write(ctx, payload)
}

func (s *httpSlot) read(ctx context.Context) ([]byte, error) {
	buf, err := s.c.Read(ctx, nil)
	if err == client.ErrNoMessage {
		return nil, nil
	}
	return buf, err
}

type respSlot struct {
	c *redis.Client
}

func (s *respSlot) write(ctx context.Context, payload []byte) error {
	return s.c.Set(ctx, "message", payload, 0).Err()
}

func (s *respSlot) read(ctx context.Context) ([]byte, error) {
	val, err := s.c.Get(ctx, "message").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func stressFunc(ctx context.Context, c slotClient, seen *payloadSet) {
	writes := 0
	reads := 0
	start := time.Now()
	for ctx.Err() == nil {
		payload := makePayload()
		seen.add(payload)
		if err := c.write(ctx, payload); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Write error: %v", err)
			continue
		}
		writes++

		buf, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Read error: %v", err)
			continue
		}
		reads++
		if buf != nil && !seen.has(buf) {
			log.Fatalf("Read %d bytes not matching any written payload: %s...",
				len(buf), truncated(buf))
		}

		if writes%10000 == 0 {
			log.Printf("%d writes, %d reads in %0.2f sec",
				writes, reads, time.Since(start).Seconds())
		}
	}
}

func truncated(buf []byte) []byte {
	if len(buf) > 16 {
		return buf[:16]
	}
	return buf
}

func main() {
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			err := http.ListenAndServe(*pprofAddr, nil)
			if err != nil {
				panic(err)
			}
		}()
	}

	seen := &payloadSet{payloads: make(map[string]bool)}
	newSlot := func() slotClient {
		if *respAddr != "" {
			return &respSlot{c: redis.NewClient(&redis.Options{Addr: *respAddr})}
		}
		return &httpSlot{c: client.NewClient(*httpAddr, 0)}
	}

	var wg sync.WaitGroup
	ctx, cf := context.WithTimeout(context.Background(), *duration)
	defer cf()
	for i := 0; i < *threads; i++ {
		c := newSlot()
		wg.Add(1)
		go func() {
			stressFunc(ctx, c, seen)
			wg.Done()
		}()
	}
	wg.Wait()
}
