package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/FallenWarrior2k/transmission/client"
	"github.com/FallenWarrior2k/transmission/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.InitConf(*configPath)
	if err != nil {
		log.Fatalln(err)
	}

	c, err := client.NewClient(cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer c.Close()

	mux := client.NewHTTPServeMux(c)
	log.Printf("control surface listening on %s", cfg.ControlAddr)
	if err := http.ListenAndServe(cfg.ControlAddr, mux); err != nil {
		log.Fatalln(err)
	}
}
