package activation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acceptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "activation_accept_total",
	Help: "Accept attempts by outcome.",
}, []string{"outcome"})
