package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_ingest_total",
		Help: "Finished ingestions by outcome.",
	}, []string{"outcome"})

	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filevault_ingest_bytes_total",
		Help: "Bytes uploaded to the object store as multipart parts.",
	})

	ingestPartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filevault_ingest_parts_total",
		Help: "Multipart parts uploaded.",
	})

	activeIngests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filevault_active_ingests",
		Help: "Ingestions currently receiving or finalizing.",
	})

	accessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_access_decisions_total",
		Help: "Access decisions by path and reason.",
	}, []string{"path", "reason"})

	deliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_delivery_total",
		Help: "Delivery requests by outcome.",
	}, []string{"outcome"})

	purgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_purged_total",
		Help: "Records cleaned up by the purger, by kind.",
	}, []string{"kind"})
)
