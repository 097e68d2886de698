package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/gocomedi/comedi"
	"github.com/nasa-jpl/gocomedi/httpdaq"
)

// NodeSetup holds the parameters for one served device
type NodeSetup struct {
	// Device is the device node path, e.g. /dev/comedi0
	Device string `yaml:"Device"`

	// Endpoint is the URL stem the node's routes are served under,
	// e.g. "daq0" serves /daq0/voltage and friends
	Endpoint string `yaml:"Endpoint"`

	// Type selects the interface: "device" (or empty) for immediate
	// and capture routes, "aio" for a simultaneous analog I/O session
	Type string `yaml:"Type"`
}

// Config holds the initialization parameters for the served devices.
// It is to be populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Nodes is the list of nodes to set up
	Nodes []NodeSetup `yaml:"Nodes"`
}

// sanitizeStem prepares the URL, "daq0" => "/daq0/"
func sanitizeStem(s string) string {
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	if !strings.HasSuffix(s, "/") {
		s = s + "/"
	}
	return s
}

// BuildMux opens every configured device and assembles the root router,
// one submux per node, each behind its own lock.  The mux serves a
// special route, /endpoints, which maps each node's stem to its routes.
// The returned closer releases every device; call it at shutdown.
func BuildMux(c Config) (chi.Router, func()) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var closers []func() error

	for _, node := range c.Nodes {
		var httper httpdaq.HTTPer
		typ := strings.ToLower(node.Type)
		switch typ {
		case "", "device":
			dev, err := comedi.Open(node.Device)
			if err != nil {
				log.Fatal("open ", node.Device, ": ", err)
			}
			closers = append(closers, dev.Close)
			httper = httpdaq.NewHTTPDevice(httpdaq.NewNode(dev))

		case "aio":
			dev, err := comedi.Open(node.Device)
			if err != nil {
				log.Fatal("open ", node.Device, ": ", err)
			}
			closers = append(closers, dev.Close)
			h, err := httpdaq.NewNodeAIO(dev)
			if err != nil {
				log.Fatal(node.Device, ": ", err)
			}
			closers = append(closers, h.Close)
			httper = h

		default:
			log.Fatal("type ", typ, " not understood")
		}

		// add a lock interface for this node
		lock := httpdaq.NewLocker()
		httpdaq.InjectLock(httper, lock)

		stem := sanitizeStem(node.Endpoint)
		supergraph[stem] = httper.RT().Endpoints()

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(stem, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	closeAll := func() {
		for _, close := range closers {
			close()
		}
	}
	return root, closeAll
}
