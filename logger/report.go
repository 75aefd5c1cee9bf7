package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsProvider   int64
	errorsStorage    int64
	warnsProvider    int64
	warnsStorage     int64
	eventsDispatched int64
	reconnects       int64
	storageWrites    int64
	streams          sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "provider") || strings.Contains(component, "controller") {
		atomic.AddInt64(&warnsProvider, 1)
	} else if strings.Contains(component, "storage") || strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsStorage, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "provider") || strings.Contains(component, "controller") {
		atomic.AddInt64(&errorsProvider, 1)
	} else if strings.Contains(component, "storage") || strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsStorage, 1)
	}
}

// IncrementDispatched records one event routed through the controller.
func IncrementDispatched(stream string, size int) {
	atomic.AddInt64(&eventsDispatched, 1)
	recordStream(stream, size)
}

// IncrementReconnect records one provider reconnect cycle.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementStorageWrite records one batch handed to the storage sink.
func IncrementStorageWrite(records int) {
	atomic.AddInt64(&storageWrites, 1)
	recordStream("storage_flush", records)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_provider":   atomic.LoadInt64(&errorsProvider),
		"errors_storage":    atomic.LoadInt64(&errorsStorage),
		"warns_provider":    atomic.LoadInt64(&warnsProvider),
		"warns_storage":     atomic.LoadInt64(&warnsStorage),
		"events_dispatched": atomic.LoadInt64(&eventsDispatched),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"storage_writes":    atomic.LoadInt64(&storageWrites),
		"goroutines":        runtime.NumGoroutine(),
		"heap_mb":           int64(memStats.HeapAlloc) / 1024 / 1024,
		"streams":           streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("EventsDispatched"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_dispatched"].(int64)))},
		{MetricName: aws.String("ProviderErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_provider"].(int64)))},
		{MetricName: aws.String("StorageErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_storage"].(int64)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		{MetricName: aws.String("StorageWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["storage_writes"].(int64)))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
	}

	for name, stats := range streamData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("StreamMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publishMetrics(ctx, data)
}
