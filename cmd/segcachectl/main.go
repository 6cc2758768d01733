// Command segcachectl is a small interactive front end for the segcache
// engine: it opens (or creates) a heap, optionally backed by a data pool
// file, and runs Get/Set/Delete/Incr/Decr/Flush/Stats against it from the
// command line. It exists to exercise the library end to end, the same
// role the teacher's cli package plays for the repository engine, just at
// a fraction of the surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/segcache/segcache"
)

var (
	app = kingpin.New("segcachectl", "Drive a segcache engine from the command line.")

	heapSize    = app.Flag("heap-size", "Total heap size in bytes").Default("67108864").Int64()
	segmentSize = app.Flag("segment-size", "Segment size in bytes").Default("1048576").Int()
	dataPool    = app.Flag("data-pool", "Path to a data pool file for persistence across runs").String()
	noCAS       = app.Flag("disable-cas", "Disable the CAS tag on every item").Bool()

	getCmd    = app.Command("get", "Fetch a key")
	getKey    = getCmd.Arg("key", "Key to fetch").Required().String()

	setCmd   = app.Command("set", "Store a key/value pair")
	setKey   = setCmd.Arg("key", "Key to store").Required().String()
	setValue = setCmd.Arg("value", "Value to store").Required().String()
	setTTL   = setCmd.Flag("ttl", "TTL in seconds").Default("3600").Int32()
	setFlags = setCmd.Flag("flags", "Opaque 32-bit flags word").Default("0").Uint32()

	delCmd = app.Command("delete", "Delete a key")
	delKey = delCmd.Arg("key", "Key to delete").Required().String()

	incrCmd   = app.Command("incr", "Increment a numeric key")
	incrKey   = incrCmd.Arg("key", "Key to increment").Required().String()
	incrDelta = incrCmd.Arg("delta", "Amount to add").Default("1").Uint64()

	decrCmd   = app.Command("decr", "Decrement a numeric key, saturating at zero")
	decrKey   = decrCmd.Arg("key", "Key to decrement").Required().String()
	decrDelta = decrCmd.Arg("delta", "Amount to subtract").Default("1").Uint64()

	flushCmd = app.Command("flush", "Invalidate every item stored before now")

	statsCmd = app.Command("stats", "Report the engine instance id")
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "segcachectl: failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := segcache.New(ctx, segcache.Config{
		HeapSize:     *heapSize,
		SegmentSize:  *segmentSize,
		DataPoolPath: *dataPool,
		DisableCAS:   *noCAS,
	})
	if err != nil {
		logger.Fatal("engine construction failed", zap.Error(err))
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("engine close failed", zap.Error(err))
		}
	}()

	if err := run(logger, e, cmd); err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, e *segcache.Engine, cmd string) error {
	switch cmd {
	case getCmd.FullCommand():
		v, err := e.Get([]byte(*getKey))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", v.Value)
		return nil

	case setCmd.FullCommand():
		if err := e.Set([]byte(*setKey), []byte(*setValue), *setFlags, *setTTL); err != nil {
			return err
		}
		logger.Info("stored", zap.String("key", *setKey), zap.Int32("ttl", *setTTL))
		return nil

	case delCmd.FullCommand():
		found, err := e.Delete([]byte(*delKey))
		if err != nil {
			return err
		}
		logger.Info("delete", zap.String("key", *delKey), zap.Bool("found", found))
		return nil

	case incrCmd.FullCommand():
		n, err := e.Incr([]byte(*incrKey), *incrDelta)
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatUint(n, 10))
		return nil

	case decrCmd.FullCommand():
		n, err := e.Decr([]byte(*decrKey), *decrDelta)
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatUint(n, 10))
		return nil

	case flushCmd.FullCommand():
		e.Flush()
		logger.Info("flushed")
		return nil

	case statsCmd.FullCommand():
		logger.Info("engine instance", zap.String("instance_id", e.InstanceID().String()))
		return nil

	default:
		return fmt.Errorf("unhandled command %q", cmd)
	}
}
