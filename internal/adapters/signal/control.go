package signal

func (cl *client) handlePing() {
	cl.send(struct {
		Type string `json:"type"`
	}{"pong"})
}
