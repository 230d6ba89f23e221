//
// Copyright 2023 Bytedance Ltd. and/or its affiliates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package testsuit

import (
	"fmt"
	"os"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type MySQLOption struct {
	NoLog bool
}

func mysqlDSN(database string) string {
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		return dsn
	}
	host := "mysql:3306"
	if os.Getenv("LOCAL_TEST") == "true" {
		host = "localhost:3308"
	}
	return fmt.Sprintf("root:@tcp(%s)/%s?parseTime=true&loc=Local", host, database)
}

// MysqlEnabled 是否配置了 mysql 测试环境
func MysqlEnabled() bool {
	return os.Getenv("MYSQL_DSN") != "" || os.Getenv("LOCAL_TEST") == "true"
}

// InitMysql 启动测试数据库
// 前提: 在根目录执行 docker-compose up 命令，或者设置 MYSQL_DSN
func InitMysql(opts ...MySQLOption) *gorm.DB {
	cfg := &gorm.Config{TranslateError: true}
	for _, o := range opts {
		if o.NoLog {
			cfg.Logger = logger.Default.LogMode(logger.Silent)
		}
	}
	db, err := gorm.Open(mysql.Open(mysqlDSN("my_db")), cfg)
	if err != nil {
		panic(err)
	}

	return db.Debug()
}

func InitMysqlWithDatabase(db *gorm.DB, database string) *gorm.DB {
	err := db.Exec("CREATE DATABASE IF NOT EXISTS " + database + ";").Error // ignore_security_alert
	if err != nil {
		panic(err)
	}
	ndb, err := gorm.Open(mysql.Open(mysqlDSN(database)), &gorm.Config{TranslateError: true})
	if err != nil {
		panic(err)
	}
	return ndb.Debug()
}
