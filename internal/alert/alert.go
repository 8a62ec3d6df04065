// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends notifications of acquisition incidents by mail or
// SMS.
package alert // import "github.com/go-lpc/rhythm/internal/alert"

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	mail "gopkg.in/gomail.v2"
)

// MaxAlerts is the default number of alerts sent per subject.
const MaxAlerts = 5

var errCredentials = errors.New("alert: missing credentials")

// Mailer sends alerts by mail.
type Mailer struct {
	Usr  string
	Pwd  string
	Srv  string
	Port int
	Tgts []string

	Tag string // prefix of the subjects
	Max int    // maximum number of alerts per subject

	mu   sync.Mutex
	sent map[string]int
	send func(msg *mail.Message) error
}

// NewMailer creates a mailer configured from the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment
// variables.
func NewMailer(tag string) *Mailer {
	var tgts []string
	if v := os.Getenv("MAIL_TGTS"); v != "" {
		tgts = strings.Split(v, ",")
	}
	return &Mailer{
		Usr:  os.Getenv("MAIL_USERNAME"),
		Pwd:  os.Getenv("MAIL_PASSWORD"),
		Srv:  os.Getenv("MAIL_SERVER"),
		Port: atoi(os.Getenv("MAIL_PORT")),
		Tgts: tgts,
		Tag:  tag,
		Max:  MaxAlerts,
	}
}

func (m *Mailer) valid() bool {
	return m.Usr != "" && m.Pwd != "" && m.Srv != "" && m.Port != 0 && len(m.Tgts) != 0
}

// limit records an alert for subject and reports whether it may be sent.
func (m *Mailer) limit(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[string]int)
	}
	m.sent[subject]++
	return m.Max <= 0 || m.sent[subject] <= m.Max
}

// Alert sends a mail with the provided subject and body.
func (m *Mailer) Alert(subject, body string) error {
	if !m.valid() {
		return errCredentials
	}
	if !m.limit(subject) {
		return nil
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.Usr)
	msg.SetHeader("Bcc", m.Tgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] %s", m.Tag, subject))
	msg.SetBody("text/plain", body)

	send := m.send
	if send == nil {
		send = m.dialAndSend
	}
	err := send(msg)
	if err != nil {
		return fmt.Errorf("alert: could not send mail %q: %w", subject, err)
	}
	return nil
}

func (m *Mailer) dialAndSend(msg *mail.Message) error {
	dial := mail.NewDialer(m.Srv, m.Port, m.Usr, m.Pwd)
	dial.TLSConfig = &tls.Config{
		ServerName: m.Srv,
	}
	return dial.DialAndSend(msg)
}

// SMS sends alerts through an HTTP SMS gateway.
type SMS struct {
	EndPoint string
	Tag      string

	client *http.Client
}

// NewSMS creates an SMS alerter posting to the SMS_ENDPOINT environment
// variable.
func NewSMS(tag string) *SMS {
	return &SMS{EndPoint: os.Getenv("SMS_ENDPOINT"), Tag: tag}
}

// Alert sends an SMS with the provided subject.
func (sms *SMS) Alert(subject, body string) error {
	if sms.EndPoint == "" {
		return fmt.Errorf("alert: could not send sms: no end-point")
	}

	var msg struct {
		Action string `json:"action"`
		Data   struct {
			All bool   `json:"all"`
			Msg string `json:"message"`
		} `json:"data"`
	}
	msg.Action = "send"
	msg.Data.All = true
	msg.Data.Msg = fmt.Sprintf("[%s]: %s", sms.Tag, subject)

	data := new(bytes.Buffer)
	err := json.NewEncoder(data).Encode(msg)
	if err != nil {
		return fmt.Errorf("alert: could not encode sms to json: %w", err)
	}

	client := sms.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(sms.EndPoint, "application/json", data)
	if err != nil {
		return fmt.Errorf("alert: could not POST sms alert: %w", err)
	}
	defer resp.Body.Close()

	var status struct {
		Msg string `json:"status"`
	}
	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return fmt.Errorf("alert: could not decode sms reply: %w", err)
	}
	if status.Msg != "success" {
		return fmt.Errorf("alert: could not send sms: status=%q", status.Msg)
	}
	return nil
}

// Alerter sends alerts.
type Alerter interface {
	Alert(subject, body string) error
}

// Multi sends alerts through all of its alerters.
type Multi []Alerter

// Alert forwards the alert to all alerters and returns the first error.
func (m Multi) Alert(subject, body string) error {
	var first error
	for _, a := range m {
		err := a.Alert(subject, body)
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
