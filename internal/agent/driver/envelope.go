package driver

// CmdType is the remote dialect/driver hint passed to the agent.
type CmdType string

const (
	CmdTypeMySQL      CmdType = "mysql"
	CmdTypeOracle     CmdType = "oracle"
	CmdTypeScript     CmdType = "script"
	CmdTypeLocalScript CmdType = "local_script"
)

// AuthEnvelope is the `auth` key of the invocation envelope.
type AuthEnvelope struct {
	Address    string `json:"address"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DBName     string `json:"db_name"`
	Privileged bool   `json:"privileged,omitempty"`
}

// InvocationEnvelope is the base64-JSON payload passed to the agent
// binary via --command.
type InvocationEnvelope struct {
	Host           string       `json:"host"`
	Token          string       `json:"token"`
	TaskID         string       `json:"task_id"`
	OrgID          string       `json:"org_id"`
	CmdType        CmdType      `json:"cmd_type"`
	Script         string       `json:"script"`
	CmdSetFilepath string       `json:"cmd_set_filepath"`
	CmdFile        string       `json:"cmd_file,omitempty"`
	Auth           AuthEnvelope `json:"auth"`
	EncryptedData  bool         `json:"encrypted_data"`
	Envs           string       `json:"envs"`
}
