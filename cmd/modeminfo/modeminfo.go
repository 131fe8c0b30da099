// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// modeminfo collects and displays information related to the modem and its
// current configuration.
//
// This is useful for checking a modem supports the commands the gateway
// relies on before deploying it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/serial"
	"github.com/warthog618/smsgw/trace"
)

var version = "undefined"

// cmds are the queries issued, grouped by concern.
var cmds = []string{
	// identity
	"I",
	"+GCAP",
	"+CMEE=2",
	"+CGMI",
	"+CGMM",
	"+CGMR",
	"+CGSN",
	"+CIMI",
	"+CCID?",
	"+CNUM",
	"+CPIN?",
	// network
	"+CSQ",
	"+CREG?",
	"+CGREG?",
	"+COPS?",
	"+CSPN?",
	"+CEER",
	"+CBC",
	// sms
	"+CSCA?",
	"+CSMS?",
	"+CSMS=?",
	"+CPMS=?",
	"+CNMI?",
	"+CNMI=?",
	"+CNMA=?",
	"+CMGF?",
	"+CMGF=?",
	"+CSMP?",
	// gnss
	"+CGPS?",
	"+CGPSSTATUS?",
	"+CGNSINF",
}

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	timeout := flag.Duration("t", 400*time.Millisecond, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	list := flag.Bool("list", false, "list serial ports and exit")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	if *list {
		ports, err := serial.Ports()
		if err != nil {
			logrus.WithError(err).Fatal("list ports")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		logrus.WithError(err).Fatal("open modem")
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}
	a := at.New(mio, at.WithTimeout(*timeout))
	ctx := context.Background()
	if err = a.Init(ctx); err != nil {
		logrus.WithError(err).Fatal("init modem")
	}
	for _, cmd := range cmds {
		info, err := a.Command(ctx, cmd)
		fmt.Println("AT" + cmd)
		if err != nil {
			fmt.Printf(" %s\n", err)
			continue
		}
		for _, l := range info {
			fmt.Printf(" %s\n", l)
		}
	}
}
